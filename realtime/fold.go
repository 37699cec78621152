package realtime

// Prepend inserts item at the front unless an item with the same identity
// is already present. It reports whether the slice changed.
func Prepend[T any](items []T, item T, id func(T) string) ([]T, bool) {
	if IndexOf(items, id(item), id) >= 0 {
		return items, false
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, item)
	return append(out, items...), true
}

// Replace swaps the item with the same identity in place, keeping order.
func Replace[T any](items []T, item T, id func(T) string) ([]T, bool) {
	i := IndexOf(items, id(item), id)
	if i < 0 {
		return items, false
	}
	items[i] = item
	return items, true
}

// Remove drops the item with the given identity.
func Remove[T any](items []T, key string, id func(T) string) ([]T, bool) {
	i := IndexOf(items, key, id)
	if i < 0 {
		return items, false
	}
	return append(items[:i:i], items[i+1:]...), true
}

func IndexOf[T any](items []T, key string, id func(T) string) int {
	for i := range items {
		if id(items[i]) == key {
			return i
		}
	}
	return -1
}
