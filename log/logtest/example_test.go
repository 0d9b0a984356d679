/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"fmt"

	"github.com/acronis/go-webqueue/log"
)

func Example() {
	retry := func(logger log.FieldLogger, url string, attempt int) {
		logger.Warn("retrying request", log.String("url", url), log.Int("attempt", attempt))
	}

	recorder := NewRecorder()
	retry(recorder, "https://example.com/items", 2)

	if entry, found := recorder.FindEntry("retrying request"); found {
		fmt.Printf("[%s] %s\n", entry.Level, entry.Text)
		fmt.Printf("url: %s\n", entry.FieldString("url"))
		if attempt, ok := entry.FindField("attempt"); ok {
			fmt.Printf("attempt: %d\n", attempt.Int)
		}
	}

	// Output:
	// [warn] retrying request
	// url: https://example.com/items
	// attempt: 2
}
