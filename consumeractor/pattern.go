package consumeractor

import (
	"regexp"

	"github.com/juju/errors"
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Annotatef(err, "consumeractor: invalid subscription pattern %q", pattern)
	}
	return re, nil
}
