// Package maintenance 定时重置信用档案的日、月消费额并刷新账户年龄。
package maintenance
