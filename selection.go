package gapshap

// reconcileSelection picks an active conversation when the store is
// populated and nothing is active. A saved selection that is still in the
// store wins; otherwise the conversation with the newest message is chosen.
// It runs on the loop after every change to the store's membership.
func (e *Engine) reconcileSelection() {
	if e.hasActive || e.store.Len() == 0 {
		return
	}

	if id, ok := e.session.ActiveConversation(); ok {
		if _, found := e.store.Get(id); found {
			e.logger.Info("restoring saved conversation", "conversation_id", id)
			e.beginSelect(id, noFinish)
			return
		}
	}

	if conv, ok := e.store.MostRecent(); ok {
		e.logger.Info("auto-selecting conversation", "conversation_id", conv.ID)
		e.beginSelect(conv.ID, noFinish)
	}
}
