// Package failover 跟踪服务方的健康分与熔断状态，并在多个候选中挑选可用的服务方。
package failover
