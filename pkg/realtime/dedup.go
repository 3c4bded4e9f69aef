package realtime

import "strings"

// IncrementalSuffix 从累积式最终结果中取出新增部分
//
// cur 以 prev 为前缀时只返回多出来的部分；否则返回 cur 全文。
func IncrementalSuffix(prev, cur string) string {
	if prev != "" && strings.HasPrefix(cur, prev) {
		return strings.TrimSpace(cur[len(prev):])
	}
	return strings.TrimSpace(cur)
}
