package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
)

var (
	seqPadRe = regexp.MustCompile(`\{SEQ(\d+)\}`)
)

// DefaultInvoiceNumberTemplate keeps numbers globally unique: {ACCOUNT} is
// distinct per billing account and {SEQ4} is distinct within one.
const DefaultInvoiceNumberTemplate = "INV-{TENANT}-{ACCOUNT}-{YYYY}{MM}-{SEQ4}"

// TenantToken turns a tenant id into the uppercase slug used in invoice
// numbers.
func TenantToken(tenantID string) string {
	token := strings.ToUpper(slug.Make(tenantID))
	if token == "" {
		return "TENANT"
	}
	return token
}

// AccountToken is the base36 form of the account id. Tenant slugs can
// collide ("Acme Corp" and "acme-corp"), account ids cannot.
func AccountToken(accountID snowflake.ID) string {
	return strings.ToUpper(accountID.Base36())
}

// FormatInvoiceNumber renders template for a cycle start and a per-account
// sequence. It has no side effects, so the same inputs always give the
// same number.
func FormatInvoiceNumber(
	template string,
	tenantID string,
	accountID snowflake.ID,
	cycleStart time.Time,
	seq int64,
) (string, error) {

	if template == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}
	if !strings.Contains(template, "{ACCOUNT}") {
		return "", fmt.Errorf("invoice number template must contain {ACCOUNT}")
	}
	if accountID <= 0 {
		return "", fmt.Errorf("invalid account id: %d", accountID)
	}

	if seq <= 0 {
		return "", fmt.Errorf("invalid invoice sequence: %d", seq)
	}

	out := template
	out = strings.ReplaceAll(out, "{TENANT}", TenantToken(tenantID))
	out = strings.ReplaceAll(out, "{ACCOUNT}", AccountToken(accountID))

	out = strings.ReplaceAll(out, "{YYYY}", cycleStart.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", cycleStart.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", cycleStart.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", cycleStart.Format("02"))

	out = strings.ReplaceAll(out, "{SEQ}", strconv.FormatInt(seq, 10))

	out = seqPadRe.ReplaceAllStringFunc(out, func(m string) string {
		match := seqPadRe.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}

		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 {
			return m
		}

		return fmt.Sprintf("%0*d", width, seq)
	})

	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}

	return out, nil
}
