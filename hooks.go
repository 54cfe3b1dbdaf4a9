package usbtmc

// HookAction is the verdict of a quirk hook.
type HookAction int

const (
	// HookContinue proceeds with the transaction unchanged.
	HookContinue HookAction = iota
	// HookReplace proceeds with the transaction carried in the result.
	HookReplace
	// HookFail aborts the operation with the carried error.
	HookFail
)

// HookResult is returned by a Hook.
type HookResult struct {
	Action      HookAction
	Transaction *Transaction
	Err         error
}

// Continue proceeds with the transaction unchanged.
func Continue() HookResult { return HookResult{Action: HookContinue} }

// Replace substitutes txn for the transaction being processed.
func Replace(txn *Transaction) HookResult {
	return HookResult{Action: HookReplace, Transaction: txn}
}

// Fail aborts the operation with err.
func Fail(err error) HookResult { return HookResult{Action: HookFail, Err: err} }

// Hook is an override point called with the device handle and the live
// transaction. Open-time hooks receive a nil transaction.
type Hook func(d *Device, txn *Transaction) HookResult

// Hooks is the optional per-device override vector carried in a quirks
// record. Nil entries are skipped.
type Hooks struct {
	PreOpen       Hook
	PostOpen      Hook
	BeforeWrite   Hook
	AfterWrite    Hook
	BeforeRead    Hook
	AfterRead     Hook
	AbortOverride Hook
}

// runHook applies a hook to a transaction. It returns the transaction to
// proceed with (possibly replaced) or the hook's error.
func (d *Device) runHook(h Hook, txn *Transaction) (*Transaction, error) {
	if h == nil {
		return txn, nil
	}
	res := h(d, txn)
	switch res.Action {
	case HookReplace:
		if res.Transaction != nil {
			return res.Transaction, nil
		}
		return txn, nil
	case HookFail:
		return txn, res.Err
	default:
		return txn, nil
	}
}
