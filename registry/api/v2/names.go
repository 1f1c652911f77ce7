package v2

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RepositoryNameTotalLengthMax is the maximum total number of characters in
// a repository name.
const RepositoryNameTotalLengthMax = 255

// LibraryNamespace holds single segment repositories when library support
// is enabled.
const LibraryNamespace = "library"

var (
	// RepositoryNameComponentRegexp restricts registry path component names
	// to start with at least one letter or number, with following parts
	// able to be separated by one period, dash or underscore.
	RepositoryNameComponentRegexp = regexp.MustCompile(`[a-z0-9]+(?:[._-][a-z0-9]+)*`)

	// RepositoryNameComponentAnchoredRegexp is the version of
	// RepositoryNameComponentRegexp which must completely match the content
	RepositoryNameComponentAnchoredRegexp = regexp.MustCompile(`^` + RepositoryNameComponentRegexp.String() + `$`)

	// RepositoryNameRegexp builds on RepositoryNameComponentRegexp to allow
	// multiple path components, separated by a forward slash.
	RepositoryNameRegexp = regexp.MustCompile(`(?:` + RepositoryNameComponentRegexp.String() + `/)*` + RepositoryNameComponentRegexp.String())

	// TagNameRegexp matches valid tag names.
	TagNameRegexp = regexp.MustCompile(`[\w][\w.-]{0,127}`)

	// TagNameAnchoredRegexp matches valid tag names, anchored at the start and
	// end of the matched string.
	TagNameAnchoredRegexp = regexp.MustCompile("^" + TagNameRegexp.String() + "$")
)

var (
	// ErrRepositoryNameEmpty is returned for empty, invalid repository names.
	ErrRepositoryNameEmpty = errors.New("repository name must have at least one component")

	// ErrRepositoryNameLong is returned when a repository name is longer than
	// RepositoryNameTotalLengthMax
	ErrRepositoryNameLong = fmt.Errorf("repository name must not be more than %v characters", RepositoryNameTotalLengthMax)

	// ErrRepositoryNameComponentInvalid is returned when a repository name does
	// not match RepositoryNameComponentRegexp
	ErrRepositoryNameComponentInvalid = fmt.Errorf("repository name component must match %q", RepositoryNameComponentRegexp.String())

	// ErrRepositoryNameShort is returned for single segment names of one
	// character.
	ErrRepositoryNameShort = errors.New("single segment repository names must have at least two characters")

	// ErrSlashRepository is returned for names nested deeper than
	// namespace/repository.
	ErrSlashRepository = errors.New("repository names may not contain more than one slash")

	// ErrLibraryNamespaceDisallowed is returned for single segment names
	// when library support is off.
	ErrLibraryNamespaceDisallowed = errors.New("single segment repository names require library support")
)

// ValidateRepositoryName ensures the repository name is valid for use in the
// registry. This function accepts a superset of what might be accepted by
// docker core or docker hub. If the name does not pass validation, an error,
// describing the conditions, is returned.
//
// Effectively, the name should comply with the following grammar:
//
//	alpha-numeric := /[a-z0-9]+/
//	separator := /[._-]/
//	component := alpha-numeric [separator alpha-numeric]*
//	namespace := component ['/' component]*
//
// The result of the production, known as the "namespace", should be limited
// to 255 characters.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return ErrRepositoryNameEmpty
	}

	if len(name) > RepositoryNameTotalLengthMax {
		return ErrRepositoryNameLong
	}

	components := strings.Split(name, "/")

	for _, component := range components {
		if !RepositoryNameComponentAnchoredRegexp.MatchString(component) {
			return ErrRepositoryNameComponentInvalid
		}
	}

	return nil
}

// NamePolicy holds the process-wide rules for splitting repository names
// into a namespace and a repository.
type NamePolicy struct {
	// LibrarySupport maps single segment names into LibraryNamespace.
	LibrarySupport bool
}

// SplitRepositoryName validates name and returns its namespace and
// repository parts.
func (p NamePolicy) SplitRepositoryName(name string) (namespace, repository string, err error) {
	if err := ValidateRepositoryName(name); err != nil {
		return "", "", err
	}

	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		if !p.LibrarySupport {
			return "", "", ErrLibraryNamespaceDisallowed
		}
		if len(name) < 2 {
			return "", "", ErrRepositoryNameShort
		}
		return LibraryNamespace, name, nil
	case 2:
		if parts[0] == LibraryNamespace && !p.LibrarySupport {
			return "", "", ErrLibraryNamespaceDisallowed
		}
		return parts[0], parts[1], nil
	default:
		return "", "", ErrSlashRepository
	}
}

// ValidateTagName reports whether tag is a valid tag name.
func ValidateTagName(tag string) bool {
	return TagNameAnchoredRegexp.MatchString(tag)
}
