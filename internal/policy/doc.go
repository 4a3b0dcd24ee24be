// Package policy 汇总网关的无状态决策：请求分类、分类到抓取策略的映射、
// 响应类型判定以及缓存写入资格。
//
// 所有规则都以配置注入（Rules），不依赖包级变量，便于同一实现服务多种部署形态：
//  1. Classify 根据 Accept 与目标主机名给出 navigation-html / api-host / static-asset；
//  2. Rules.StrategyFor 返回该分类的 network-first 或 cache-first 策略，可被配置覆盖；
//  3. Storable 在任何写入前检查状态码、响应类型与 Content-Type。
package policy
