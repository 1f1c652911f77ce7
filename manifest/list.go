package manifest

import "errors"

// ConvertViaChild converts a list or index for a client that does not
// accept it by converting its linux/amd64 child. It returns nil when the
// list has no such child or the child is not available.
func ConvertViaChild(children []*LazyManifest, opts ConvertOptions) (Manifest, error) {
	for _, child := range children {
		if child.Architecture() != "amd64" || child.OS() != "linux" {
			continue
		}
		m, err := child.Load(SparsePolicy{})
		if errors.Is(err, ErrContentNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return m.ConvertManifest(opts)
	}
	return nil, nil
}

// Architectured is implemented by manifests that declare an architecture.
type Architectured interface {
	Architecture() string
}

// ValidateSchema1Children checks that every schema 1 child of a list exists
// and declares the architecture its descriptor claims.
func ValidateSchema1Children(children []*LazyManifest) error {
	for _, child := range children {
		if !IsSchema1(child.Descriptor.MediaType) {
			continue
		}
		m, err := child.Load(SparsePolicy{})
		if err != nil {
			return err
		}
		a, ok := m.(Architectured)
		if !ok {
			return Errorf(InvalidManifestInList, "child %s is not a schema 1 manifest", child.Digest())
		}
		if a.Architecture() != child.Architecture() {
			return Errorf(InvalidManifestInList, "child %s has architecture %q, list declares %q",
				child.Digest(), a.Architecture(), child.Architecture())
		}
	}
	return nil
}
