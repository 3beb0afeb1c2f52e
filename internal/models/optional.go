package models

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// Number is the set of numeric kinds providers report.
type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// NonZeroFloat returns v as *float64, or nil when v is zero.
// Providers report absent numeric fields as zero.
func NonZeroFloat[T Number](v T) *float64 {
	if v == 0 {
		return nil
	}
	f := float64(v)
	return &f
}

// NonZeroInt returns v as *int64, or nil when v is zero.
func NonZeroInt[T Number](v T) *int64 {
	if v == 0 {
		return nil
	}
	i := int64(v)
	return &i
}

// NonEmpty returns a pointer to s, or nil when s is empty.
func NonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *p or the zero value.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
