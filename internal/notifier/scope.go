package notifier

// Scoped reports whether a decoded payload should be delivered to a listener
// identified by ident (§4.6 "Scope filtering"): payloads carrying an `ident`
// key are only delivered to the matching identity, or to listeners whose
// ident is "any"; payloads without `ident` are delivered unfiltered.
func Scoped(payload map[string]interface{}, listenerIdent string) bool {
	raw, ok := payload["ident"]
	if !ok {
		return true
	}
	want, ok := raw.(string)
	if !ok {
		return true
	}
	return listenerIdent == "any" || want == listenerIdent
}
