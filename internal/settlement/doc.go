// Package settlement 把托管、信用、闪电贷、故障转移以及外部借贷、质押、保险、策略模块
// 聚合为一个只读视图，并把各组件事件转发到统一的事件流。
package settlement
