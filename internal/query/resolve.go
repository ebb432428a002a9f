package query

// KeyResolver turns a selector docType into the single store key whose
// history is scanned. The key bounds the scan on both ends.
type KeyResolver struct {
	Prefix string
}

func (r KeyResolver) Resolve(docType string) string {
	return r.Prefix + docType
}
