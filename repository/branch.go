package repository

// ResolveBranch walks candidates in order and returns the first one present
// in remote. It returns false if none of the candidates matches, callers
// should fall back to the remote default branch.
func ResolveBranch(candidates []string, remote []string) (string, bool) {
	present := make(map[string]struct{}, len(remote))
	for _, b := range remote {
		present[b] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := present[c]; ok {
			return c, true
		}
	}
	return "", false
}
