// Package flashloan 在单个流动性池上提供闪电贷：借出、执行回调、归还在一次调用内完成。
package flashloan
