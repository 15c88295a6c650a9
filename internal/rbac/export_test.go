package rbac

// MemoSize reports how many effective sets the engine has cached.
func (e *Engine) MemoSize() int { return e.memo.ItemCount() }
