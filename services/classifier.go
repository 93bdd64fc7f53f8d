package services

import (
	"fmt"
	"mime"
	"strings"

	"netmigrate/models"
)

// Matcher is one classification rule. Rules are evaluated in order and the
// first one that matches decides the kind.
type Matcher struct {
	Name  string
	Kind  models.FileKind
	Match func(fileName, mediaType string) bool
}

func suffix(s string) func(string, string) bool {
	return func(name, _ string) bool { return strings.HasSuffix(name, s) && len(name) > len(s) }
}

func prefix(p string) func(string, string) bool {
	return func(name, _ string) bool { return strings.HasPrefix(name, p) && len(name) > len(p) }
}

func exact(names ...string) func(string, string) bool {
	return func(name, _ string) bool {
		for _, n := range names {
			if name == n {
				return true
			}
		}
		return false
	}
}

func mediaType(types ...string) func(string, string) bool {
	return func(_, mt string) bool {
		for _, t := range types {
			if mt == t {
				return true
			}
		}
		return false
	}
}

// DefaultMatchers covers wicked exports, sysconfig network files and
// NetworkManager keyfiles. Name rules win over declared media types.
var DefaultMatchers = []Matcher{
	{Name: "xml suffix", Kind: models.KindStructuredConfig, Match: suffix(".xml")},
	{Name: "nmconnection suffix", Kind: models.KindNativeConnection, Match: suffix(".nmconnection")},
	{Name: "ifcfg prefix", Kind: models.KindDistroConfig, Match: prefix("ifcfg-")},
	{Name: "ifroute prefix", Kind: models.KindDistroConfig, Match: prefix("ifroute-")},
	{Name: "route prefix", Kind: models.KindDistroConfig, Match: prefix("route-")},
	{Name: "sysconfig names", Kind: models.KindDistroConfig, Match: exact("routes", "config", "dhcp")},
	{Name: "xml media type", Kind: models.KindStructuredConfig, Match: mediaType("text/xml", "application/xml")},
	{Name: "plain media type", Kind: models.KindDistroConfig, Match: mediaType("text/plain", "application/octet-stream")},
}

type Classifier struct {
	matchers []Matcher
}

func NewClassifier(matchers []Matcher) *Classifier {
	if matchers == nil {
		matchers = DefaultMatchers
	}
	return &Classifier{matchers: matchers}
}

// Classify returns the kind of a single file from its name and declared
// content type.
func (c *Classifier) Classify(fileName, contentType string) (models.FileKind, error) {
	name := strings.ToLower(strings.TrimSpace(fileName))
	mt := ""
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mt = strings.ToLower(parsed)
		}
	}

	for _, m := range c.matchers {
		if m.Match(name, mt) {
			return m.Kind, nil
		}
	}
	return models.KindUnknown, fmt.Errorf("%w: %q (%s)", models.ErrUnrecognizedType, fileName, contentType)
}

// ClassifyBatch sets Kind on every file and returns the shared kind. A batch
// mixing kinds is rejected before anything is executed.
func (c *Classifier) ClassifyBatch(files []models.InputFile) (models.FileKind, error) {
	if len(files) == 0 {
		return models.KindUnknown, models.ErrEmptySubmission
	}

	for i := range files {
		kind, err := c.Classify(files[i].Name, files[i].ContentType)
		if err != nil {
			return models.KindUnknown, err
		}
		files[i].Kind = kind
	}

	kind := files[0].Kind
	for _, f := range files[1:] {
		if f.Kind != kind {
			return models.KindUnknown, models.ErrMixedTypes
		}
	}
	return kind, nil
}
