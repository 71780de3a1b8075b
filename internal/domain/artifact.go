package domain

// ArtifactInfo is what a remote store reports about one store path.
type ArtifactInfo struct {
	Path         string
	Deriver      string
	References   []string
	DownloadSize uint64
	NarSize      uint64
}

// NormalizeReferences drops duplicate and empty references, keeping the
// first occurrence of each.
func (a *ArtifactInfo) NormalizeReferences() {
	if a == nil {
		return
	}

	refs := make([]string, 0, len(a.References))
	seen := make(map[string]struct{}, len(a.References))
	for _, ref := range a.References {
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	a.References = refs
}
