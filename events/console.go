package events

import (
	"fmt"
	"io"
)

// Console renders printable events to a writer, one line per event. Run it
// on a subscriber channel from Bus.Subscribe.
func Console(w io.Writer, ch <-chan Event) {
	for ev := range ch {
		if !ev.Print {
			continue
		}
		fmt.Fprintf(w, "%s %s %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Sender, ev.Message)
	}
}
