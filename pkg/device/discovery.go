package device

// Dedupe filters a discovery stream, suppressing descriptors whose address
// has already been emitted. The returned channel closes when in closes.
// Discoverer implementations wrap their raw scan output with this so callers
// see each device at most once per scan.
func Dedupe(in <-chan Descriptor) <-chan Descriptor {
	out := make(chan Descriptor)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for d := range in {
			if _, ok := seen[d.Address]; ok {
				continue
			}
			seen[d.Address] = struct{}{}
			out <- d
		}
	}()
	return out
}
