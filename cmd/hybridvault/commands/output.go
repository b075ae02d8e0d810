package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hybridvault/hybridvault/internal/storage"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStored(w io.Writer, obj *storage.StoredObject) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", obj.Backend, obj.Version, obj.Path, obj.Size)
	if obj.Backup != nil {
		if obj.Backup.OK() {
			fmt.Fprintf(w, "backup\t%s\t%s\n", obj.Backup.Version, obj.Backup.Path)
		} else {
			fmt.Fprintf(w, "backup failed\t%s\n", obj.Backup.Error)
		}
	}
}

func printListing(w io.Writer, objs []*storage.StoredObject) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, o := range objs {
		name := o.Path
		if o.IsDir {
			name += "/"
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Backend, "-", "-", name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", o.Backend, o.Size, stamp(o.LastModified), name)
	}
	return tw.Flush()
}

func printVersions(w io.Writer, versions []storage.VersionInfo) {
	for _, v := range versions {
		head := ""
		if v.IsLatest {
			head = " (latest)"
		}
		fmt.Fprintf(w, "version %s%s\n", v.Version, head)
		fmt.Fprintf(w, "Author: %s\n", v.Author)
		fmt.Fprintf(w, "Date:   %s\n", stamp(v.Timestamp))
		if v.Message != "" {
			fmt.Fprintf(w, "\n    %s\n", v.Message)
		}
		fmt.Fprintln(w)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
