package application

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/bnema/placepool/internal/domain"
)

const (
	DefaultPageSize    = 200
	DefaultPageParam   = "page"
	DefaultPathPattern = `^/collections/s/list/[A-Za-z0-9_-]+(/[A-Za-z0-9_-]+)?/?$`
)

var DefaultTargetHosts = []string{"www.google.com", "google.com"}

// TargetPolicy decides which addresses an extraction may visit.
type TargetPolicy struct {
	hosts map[string]struct{}
	path  *regexp.Regexp
}

func NewTargetPolicy(hosts []string, pathPattern string) (TargetPolicy, error) {
	if len(hosts) == 0 {
		hosts = DefaultTargetHosts
	}
	if strings.TrimSpace(pathPattern) == "" {
		pathPattern = DefaultPathPattern
	}

	path, err := regexp.Compile(pathPattern)
	if err != nil {
		return TargetPolicy{}, fmt.Errorf("compile target path pattern: %w", err)
	}

	allowed := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			allowed[host] = struct{}{}
		}
	}

	return TargetPolicy{hosts: allowed, path: path}, nil
}

// Validate parses raw and checks it against the policy. The fragment is dropped.
func (p TargetPolicy) Validate(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty address", domain.ErrInvalidTarget)
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTarget, err)
	}

	switch {
	case target.Scheme != "https":
		return nil, fmt.Errorf("%w: scheme must be https", domain.ErrInvalidTarget)
	case target.User != nil:
		return nil, fmt.Errorf("%w: credentials are not allowed", domain.ErrInvalidTarget)
	case target.Port() != "":
		return nil, fmt.Errorf("%w: explicit port is not allowed", domain.ErrInvalidTarget)
	}

	if _, ok := p.hosts[strings.ToLower(target.Hostname())]; !ok {
		return nil, fmt.Errorf("%w: host %q is not allowed", domain.ErrInvalidTarget, target.Hostname())
	}
	if !p.path.MatchString(target.EscapedPath()) {
		return nil, fmt.Errorf("%w: path %q is not a collection", domain.ErrInvalidTarget, target.Path)
	}

	target.Fragment = ""
	target.RawFragment = ""
	return target, nil
}

// PageURL addresses the page holding the item at offset. Offset 0 is the
// target unchanged; later pages carry param=offset/pageSize+1.
func PageURL(target *url.URL, offset, pageSize int, param string) string {
	if offset <= 0 {
		return target.String()
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if strings.TrimSpace(param) == "" {
		param = DefaultPageParam
	}

	next := *target
	query := next.Query()
	query.Set(param, strconv.Itoa(offset/pageSize+1))
	next.RawQuery = query.Encode()

	return next.String()
}
