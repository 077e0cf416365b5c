package article

import (
	"fmt"
	"time"
)

// dateLayouts is a representative subset of RFC 5322/850/822 date forms
// seen on real Usenet feeds, grounded on the teacher's much larger
// NNTPDateLayouts table (internal/processor/proc-utils.go), trimmed to
// the forms this package actually needs: the posted time recorded in
// history.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 06 15:04:05 -0700",
}

func parseArticleDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", v)
}
