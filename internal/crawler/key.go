package crawler

// CacheKey identifies a cached response: request method plus URL.
type CacheKey string

const keyPrefix = "GET:"

// DeriveKey returns the cache key for a GET of url. The URL is used verbatim,
// so distinct URLs always map to distinct keys.
func DeriveKey(url string) CacheKey {
	return CacheKey(keyPrefix + url)
}

// String implements fmt.Stringer.
func (k CacheKey) String() string {
	return string(k)
}
