package order

// Predicate selects orders delivered to an order listener.
type Predicate func(*Order) bool

// Any matches every order.
func Any(*Order) bool {
	return true
}

// BySymbol matches orders on symbol.
func BySymbol(symbol string) Predicate {
	return func(o *Order) bool {
		return o.Symbol == symbol
	}
}

// ByCID matches the order placed with client id cid.
func ByCID(cid int64) Predicate {
	return func(o *Order) bool {
		return o.CID == cid
	}
}

// ByGID matches orders of group gid.
func ByGID(gid int64) Predicate {
	return func(o *Order) bool {
		return o.GID == gid
	}
}

// And matches orders accepted by every predicate.
func And(preds ...Predicate) Predicate {
	return func(o *Order) bool {
		for _, p := range preds {
			if p != nil && !p(o) {
				return false
			}
		}
		return true
	}
}
