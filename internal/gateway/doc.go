// Package gateway 实现离线缓存网关：Worker 负责单个缓存版本的 install/activate
// 与请求策略（network-first / cache-first），Controller 管理 waiting/active
// 两个槽位并在激活时原子切换，使新版本无需重启即可接管后续请求。
package gateway
