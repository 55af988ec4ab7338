package s3api

import "encoding/json"

// jsonMarshal marshals v, falling back to a fixed error body on failure
// (which cannot happen for the fixed, small structs this package
// defines, but Marshal's signature forces the check).
func jsonMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"code":0,"Code":"InternalError","Message":"response encoding failed"}`)
	}
	return b
}
