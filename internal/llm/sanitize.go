package llm

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

var (
	topLevelSynonyms = map[string]string{
		"vendor":         "vendor_name",
		"supplier_name":  "vendor_name",
		"seller_name":    "vendor_name",
		"buyer_name":     "customer_name",
		"bill_to":        "customer_name",
		"invoice_no":     "invoice_number",
		"invoice_id":     "invoice_number",
		"date":           "invoice_date",
		"issue_date":     "invoice_date",
		"items":          "line_items",
		"total":          "total_amount",
		"grand_total":    "total_amount",
		"tax":            "tax_amount",
		"vat":            "tax_amount",
		"shipping_fee":   "shipping",
		"shipping_cost":  "shipping",
		"currency_code":  "currency",
		"payment_term":   "payment_terms",
		"purchase_order": "po_number",
	}
	lineItemSynonyms = map[string]string{
		"qty":        "quantity",
		"price":      "unit_price",
		"unit_cost":  "unit_price",
		"rate":       "unit_price",
		"total":      "amount",
		"line_total": "amount",
		"name":       "description",
	}
	moneyFields    = []string{"subtotal", "tax_rate", "tax_amount", "discount", "shipping", "total_amount"}
	lineItemMoney  = []string{"quantity", "unit_price", "amount"}
	stringFields   = []string{"vendor_name", "vendor_address", "vendor_email", "vendor_phone", "vendor_tax_id", "customer_name", "customer_address", "invoice_number", "po_number", "invoice_date", "due_date", "currency", "payment_terms"}
	lineItemFields = map[string]struct{}{"description": {}, "quantity": {}, "unit_price": {}, "amount": {}, "confidence": {}}
)

// NormalizeAndSanitizeJSON repairs common model deviations so that strict schema
// validation can be retried:
//   - renames known synonyms (total -> total_amount, qty -> quantity)
//   - coerces formatted money strings ("$1,234.50") to plain decimals
//   - turns empty strings into null
//   - rescales percent-style confidences (92 -> 0.92)
//   - removes unknown keys
//
// Required keys are never invented; a missing required key still fails validation.
func NormalizeAndSanitizeJSON(raw []byte, logger *zap.SugaredLogger) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, errors.Wrap(err, "sanitize: decode")
	}

	var changes []string
	renameKeys(m, topLevelSynonyms, "", &changes)

	for _, k := range stringFields {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) == "" {
			m[k] = nil
			changes = append(changes, k+"(empty)")
		}
	}
	if s, ok := m["currency"].(string); ok {
		if c, _ := constants.Canonicalize(s); string(c) != s {
			m["currency"] = string(c)
			changes = append(changes, "currency")
		}
	}
	for _, k := range moneyFields {
		coerceMoney(m, k, k, &changes)
	}
	coerceConfidence(m, "confidence", "confidence", &changes)

	if items, ok := m["line_items"].([]any); ok {
		for i, it := range items {
			item, ok := it.(map[string]any)
			if !ok {
				continue
			}
			prefix := "line_items[" + strconv.Itoa(i) + "]."
			renameKeys(item, lineItemSynonyms, prefix, &changes)
			for _, k := range lineItemMoney {
				coerceMoney(item, k, prefix+k, &changes)
			}
			coerceConfidence(item, "confidence", prefix+"confidence", &changes)
			for k := range item {
				if _, known := lineItemFields[k]; !known {
					delete(item, k)
					changes = append(changes, prefix+k+"(unknown)")
				}
			}
		}
	} else if m["line_items"] == nil {
		if _, present := m["line_items"]; present {
			m["line_items"] = []any{}
			changes = append(changes, "line_items(null)")
		}
	}

	known := BuildInvoiceJSONSchema()["properties"].(map[string]any)
	for k := range m {
		if _, ok := known[k]; !ok {
			delete(m, k)
			changes = append(changes, k+"(unknown)")
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sanitize: encode")
	}
	if logger != nil && len(changes) > 0 {
		logger.Debugw("extract.sanitize.changes", "changes", changes)
	}
	return out, changes, nil
}

func renameKeys(m map[string]any, synonyms map[string]string, prefix string, changes *[]string) {
	for from, to := range synonyms {
		v, ok := m[from]
		if !ok {
			continue
		}
		// don't overwrite a value already under the canonical key
		if _, exists := m[to]; !exists {
			m[to] = v
		}
		delete(m, from)
		*changes = append(*changes, prefix+from+"->"+to)
	}
}

func coerceMoney(m map[string]any, key, label string, changes *[]string) {
	v, ok := m[key]
	if !ok {
		return
	}
	s, isString := v.(string)
	if !isString {
		return
	}
	if strings.TrimSpace(s) == "" || strings.EqualFold(strings.TrimSpace(s), "null") {
		m[key] = nil
		*changes = append(*changes, label+"(empty)")
		return
	}
	d, err := ParseMoney(s)
	if err != nil {
		// leave it; schema validation will reject it
		return
	}
	if d.String() != s {
		*changes = append(*changes, label)
	}
	m[key] = json.Number(d.String())
}

func coerceConfidence(m map[string]any, key, label string, changes *[]string) {
	var f float64
	switch t := m[key].(type) {
	case float64:
		f = t
	case string:
		d, err := ParseMoney(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		if err != nil {
			return
		}
		f = d.InexactFloat64()
		*changes = append(*changes, label+"(string)")
	default:
		return
	}
	if f > 1 && f <= 100 {
		f = f / 100
		*changes = append(*changes, label+"(percent)")
	}
	m[key] = f
}

// ParseMoney accepts user-formatted amounts such as "1,234.50", "$ 99", "USD -20"
// or "(12.00)" and returns the decimal value.
func ParseMoney(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}

	// Keep digits, separators and a leading '-' only.
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			neg = !neg
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, errors.Newf("invalid amount %q", s)
	}

	// "1.234,56" style: comma is the decimal separator
	lastDot, lastComma := strings.LastIndex(clean, "."), strings.LastIndex(clean, ",")
	if lastComma > lastDot && len(clean)-lastComma-1 <= 2 {
		clean = strings.ReplaceAll(clean, ".", "")
		clean = strings.Replace(clean, ",", ".", 1)
	} else {
		clean = strings.ReplaceAll(clean, ",", "")
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid amount %q", s)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}
