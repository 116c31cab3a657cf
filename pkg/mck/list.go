package mck

import (
	"sort"
	"strings"
)

// DefaultMaxResults caps a page when ListOptions.MaxResults is unset.
const DefaultMaxResults = 1000

// ListNames builds one page of a listing over the blob names of a container,
// the way the object stores do it: names under opts.Prefix sorted after
// opts.Marker, with everything below opts.Delimiter folded into one
// RelativePath entry. item describes a blob that is listed as itself.
func ListNames(names []string, opts ListOptions, item func(name string) StorageMetadata) *PageSet {
	selected := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, opts.Prefix) && n > opts.Marker {
			selected = append(selected, n)
		}
	}
	sort.Strings(selected)

	max := opts.MaxResults
	if max <= 0 {
		max = DefaultMaxResults
	}

	page := &PageSet{}
	lastPrefix := ""
	for _, n := range selected {
		// a marker that is itself a common prefix covers everything under it
		if opts.Delimiter != "" && strings.HasSuffix(opts.Marker, opts.Delimiter) && strings.HasPrefix(n, opts.Marker) {
			continue
		}

		var entry StorageMetadata
		commonPrefix := ""
		if opts.Delimiter != "" {
			rest := n[len(opts.Prefix):]
			if i := strings.Index(rest, opts.Delimiter); i >= 0 {
				commonPrefix = opts.Prefix + rest[:i+len(opts.Delimiter)]
				if commonPrefix == lastPrefix {
					continue
				}
				lastPrefix = commonPrefix
			}
		}

		if len(page.Items) == max {
			page.NextMarker = page.Items[len(page.Items)-1].Name
			break
		}
		if commonPrefix != "" {
			entry = StorageMetadata{Type: StorageTypeRelativePath, Name: commonPrefix}
		} else {
			entry = item(n)
		}
		page.Items = append(page.Items, entry)
	}
	return page
}
