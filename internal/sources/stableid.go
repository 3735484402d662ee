package sources

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ObiAU/alertrelay/internal/models"
)

const keySep = "\x1f"

func generateHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", hash)
}

// MailboxKey is the stable id of a mail message. The tuple is kept as-is
// rather than hashed so stored keys stay readable.
func MailboxKey(sender, subject string, received time.Time) string {
	return strings.Join([]string{sender, subject, received.UTC().Format(time.RFC3339Nano)}, keySep)
}

// normalizeColumn lowercases a column name and, for qualified names such
// as "Sales[ProductId]", keeps only the bracketed part.
func normalizeColumn(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if open := strings.LastIndex(n, "["); open >= 0 {
		if end := strings.Index(n[open:], "]"); end > 0 {
			n = n[open+1 : open+end]
		}
	}
	return n
}

// DetectKeyColumn picks the column whose value identifies a row. Exact
// "id" wins, then names ending in "_id" or "id_" (order_id), then any
// name containing "id" (ProductId). It returns "" when no column qualifies.
//
// Changing this order changes which stored alerts new rows dedupe against.
func DetectKeyColumn(columns []string) string {
	tiers := []func(string) bool{
		func(n string) bool { return n == "id" },
		func(n string) bool { return strings.HasSuffix(n, "_id") || strings.HasSuffix(n, "id_") },
		func(n string) bool { return strings.Contains(n, "id") },
	}
	for _, match := range tiers {
		for _, c := range columns {
			if match(normalizeColumn(c)) {
				return c
			}
		}
	}
	return ""
}

// RowKey returns the value of the key column, or a hash of the row's
// fields sorted by name when there is no usable key value.
func RowKey(fields models.Fields, column string) string {
	if column != "" {
		if v := strings.TrimSpace(fields.String(column)); v != "" {
			return v
		}
	}
	return hashFields(fields)
}

func hashFields(fields models.Fields) string {
	sorted := make(models.Fields, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	for _, f := range sorted {
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		sb.WriteString(models.ValueString(f.Value))
		sb.WriteByte('\n')
	}
	return generateHash(sb.String())
}
