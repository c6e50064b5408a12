package dnscore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/httptim/rednetd/internal/rederr"
)

// Kind distinguishes the two domain shapes.
type Kind string

const (
	// KindComputer names a node directly: <sub>.comp<id>.rednet. The
	// owner is implicitly the node whose id appears in the name.
	KindComputer Kind = "computer"
	// KindAlias is a user-chosen name pointing at a computer domain.
	// Ownership is first-register-wins.
	KindAlias Kind = "alias"
)

// MaxLabelLength bounds every domain label.
const MaxLabelLength = 32

// reservedNames may not be claimed as a subdomain or alias head.
var reservedNames = map[string]bool{
	"rdnt": true, "admin": true, "root": true, "system": true,
	"localhost": true, "broadcast": true, "all": true, "none": true,
	"test": true, "example": true,
}

var (
	labelPattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)
	compPattern  = regexp.MustCompile(`^comp(\d+)$`)
)

// Domain is a parsed, canonicalized domain name.
type Domain struct {
	Name       string // canonical lowercase form
	Kind       Kind
	Sub        string // computer domains: the subdomain label
	ComputerID int    // computer domains: the owning node id
}

// Parse classifies s as a computer domain, an alias, or an error. Parsing
// is total: any string lands in exactly one of the three. Case is folded
// to lowercase first, and folding is idempotent.
func Parse(s string) (Domain, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return Domain{}, fmt.Errorf("empty domain: %w", rederr.ErrValidation)
	}

	labels := strings.Split(name, ".")
	// A trailing .rednet is part of the computer shape and optional for
	// aliases; strip it before classifying.
	hasTLD := labels[len(labels)-1] == "rednet"
	if hasTLD {
		labels = labels[:len(labels)-1]
		if len(labels) == 0 {
			return Domain{}, fmt.Errorf("bare rednet tld: %w", rederr.ErrValidation)
		}
	}

	// Computer shape: <sub>.comp<id>[.rednet]
	if len(labels) == 2 {
		if m := compPattern.FindStringSubmatch(labels[1]); m != nil {
			sub := labels[0]
			if !labelPattern.MatchString(sub) {
				return Domain{}, fmt.Errorf("invalid subdomain %q: %w", sub, rederr.ErrValidation)
			}
			if reservedNames[sub] {
				return Domain{}, fmt.Errorf("reserved subdomain %q: %w", sub, rederr.ErrValidation)
			}
			id, err := strconv.Atoi(m[1])
			if err != nil {
				return Domain{}, fmt.Errorf("invalid computer id in %q: %w", name, rederr.ErrValidation)
			}
			return Domain{
				Name:       sub + ".comp" + m[1] + ".rednet",
				Kind:       KindComputer,
				Sub:        sub,
				ComputerID: id,
			}, nil
		}
	}

	// Alias shape: one or more labels.
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return Domain{}, fmt.Errorf("invalid label %q in %q: %w", label, name, rederr.ErrValidation)
		}
		if compPattern.MatchString(label) {
			return Domain{}, fmt.Errorf("alias label %q mimics a computer domain: %w", label, rederr.ErrValidation)
		}
	}
	if reservedNames[labels[0]] {
		return Domain{}, fmt.Errorf("reserved name %q: %w", labels[0], rederr.ErrValidation)
	}

	return Domain{Name: strings.Join(labels, "."), Kind: KindAlias}, nil
}

// IsComputer reports whether s parses as a computer domain.
func IsComputer(s string) bool {
	d, err := Parse(s)
	return err == nil && d.Kind == KindComputer
}
