// Package cli provides output formatting for the kensaku CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one result per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat maps a --output flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRetrieval writes a retrieval response to w in the given format.
func WriteRetrieval(w io.Writer, resp *models.RetrieveResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, resp)
	case OutputCompact:
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.Rank, r.Distance, r.Source, TruncateWords(OneLine(r.Text), 20))
		}
		return nil
	default:
		writeRetrievalText(w, resp)
		return nil
	}
}

func writeRetrievalText(w io.Writer, resp *models.RetrieveResponse) {
	switch resp.Status {
	case "failed":
		fmt.Fprintf(w, "\nRetrieval failed: %s\n", resp.Error)
		return
	case "empty":
		fmt.Fprintf(w, "\nNo results for %q (%dms)\n", resp.Query, resp.TookMs)
		return
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", resp.Total, resp.TookMs)
	for _, r := range resp.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Distance: %.4f\n", r.Rank, r.Distance)
		fmt.Fprintf(w, "Source: %s\n", r.Source)
		fmt.Fprintf(w, "\n%s\n\n", Truncate(r.Text, 200))
	}
}

// WriteIngest writes the outcome of an ingest.
func WriteIngest(w io.Writer, resp *models.IngestResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	if resp.Chunks == 0 {
		fmt.Fprintf(w, "Nothing ingested: %s\n", resp.Reason)
		return nil
	}
	fmt.Fprintf(w, "Ingested %d chunk(s) into %s (%s)\n", resp.Chunks, resp.Collection, resp.Folder)
	return nil
}

// WriteCollections writes a collection listing.
func WriteCollections(w io.Writer, list *models.CollectionList, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, list)
	case OutputCompact:
		for _, c := range list.Collections {
			fmt.Fprintf(w, "%s\t%d\t%s\n", c.Name, c.Chunks, c.Folder)
		}
		return nil
	}
	if len(list.Collections) == 0 {
		fmt.Fprintln(w, "No collections.")
		return nil
	}
	fmt.Fprintf(w, "%d collection(s)\n\n", list.Total)
	for _, c := range list.Collections {
		fmt.Fprintf(w, "%s\n", c.Name)
		fmt.Fprintf(w, "  folder:  %s\n", c.Folder)
		if c.Source != "" {
			fmt.Fprintf(w, "  source:  %s (%s)\n", c.Source, c.Kind)
		}
		if c.Chunks > 0 {
			fmt.Fprintf(w, "  chunks:  %d x %d dims, %s\n", c.Chunks, c.Dimensions, c.Model)
		}
		if !c.CreatedAt.IsZero() {
			fmt.Fprintf(w, "  created: %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

// WriteStatus writes the status report. Compact is treated as text.
func WriteStatus(w io.Writer, st *models.StatusResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "collections:        %d   # collections in the catalog\n", st.Collections)
	fmt.Fprintf(w, "chunks:             %d   # chunks across all collections\n", st.Chunks)
	if st.DefaultCollection != "" {
		fmt.Fprintf(w, "default_collection: %s (%d chunks)\n", st.DefaultCollection, st.DefaultChunks)
	} else {
		fmt.Fprintln(w, "default_collection: none")
	}
	fmt.Fprintf(w, "disk_usage:         %s\n", FormatBytes(st.DiskUsageBytes))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "embedding_model:    %s\n", st.EmbeddingModel)
	if st.Dimensions > 0 {
		fmt.Fprintf(w, "embedding_dims:     %d\n", st.Dimensions)
	}
	fmt.Fprintf(w, "index_type:         %s\n", st.IndexType)
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// OneLine collapses all whitespace runs in s to single spaces.
func OneLine(s string) string {
	return utils.OneLine(s)
}

// Truncate cuts s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	return utils.Truncate(s, maxLen)
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
