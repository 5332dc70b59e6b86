package ring

import "sort"

// SortByDistance orders items by ascending ring distance from keyOf(item)
// to target, breaking ties lexicographically on the key itself so that two
// nodes observing the same item set always agree on the order.
func SortByDistance[T any](items []T, target Key, keyOf func(T) Key) {
	sort.SliceStable(items, func(i, j int) bool {
		return LessDistance(keyOf(items[i]), keyOf(items[j]), target)
	})
}
