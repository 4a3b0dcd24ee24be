package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/分类/来源字段，供代理请求日志复用。
func RequestFields(origin, domain, authMode, class, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"domain":    domain,
		"auth_mode": authMode,
		"class":     class,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 用于 install/activate/skip_waiting 等版本生命周期日志。
func LifecycleFields(action, cacheName, version string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
		"version":    version,
	}
}
