package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Payment providers cap metadata values at a few hundred characters, so cart
// contents travel as a compact delimited string instead of JSON.
//
// Current encoding (version 2):
//
//	v2|name:qtyxprice[variant];name:qtyxprice;...
//
// where price is the unit price in minor currency units and the bracketed
// variant tag is omitted for products without variants. The unversioned
// legacy encoding is the same item format without variant tags and without
// the version prefix.
const (
	metadataVersionPrefix = "v2|"
	itemSeparator         = ";"
	fieldSeparator        = ":"
	quantitySeparator     = "x"

	maxEncodedNameLen = 40
)

// MetadataLine is one cart line as carried inside provider metadata.
type MetadataLine struct {
	Name      string
	Quantity  int
	UnitPrice int64
	Variant   string
}

// ErrMalformedMetadata is returned when a metadata string cannot be decoded by
// any known version of the encoding.
var ErrMalformedMetadata = errors.New("payments: malformed cart metadata")

// EncodeCartMetadata serialises cart lines into the current metadata encoding.
func EncodeCartMetadata(lines []MetadataLine) string {
	if len(lines) == 0 {
		return metadataVersionPrefix
	}

	items := make([]string, 0, len(lines))
	for _, line := range lines {
		item := fmt.Sprintf("%s%s%d%s%d",
			sanitizeName(line.Name),
			fieldSeparator,
			line.Quantity,
			quantitySeparator,
			line.UnitPrice,
		)
		if variant := sanitizeName(line.Variant); variant != "" {
			item += "[" + variant + "]"
		}
		items = append(items, item)
	}
	return metadataVersionPrefix + strings.Join(items, itemSeparator)
}

// DecodeCartMetadata parses a metadata string produced by any supported
// encoding version. Unversioned input is handled by the legacy decoder.
func DecodeCartMetadata(encoded string) ([]MetadataLine, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedMetadata)
	}

	if rest, ok := strings.CutPrefix(trimmed, metadataVersionPrefix); ok {
		return decodeItems(rest, true)
	}
	if strings.Contains(trimmed, "|") {
		return nil, fmt.Errorf("%w: unknown version prefix", ErrMalformedMetadata)
	}
	return decodeItems(trimmed, false)
}

func decodeItems(encoded string, allowVariants bool) ([]MetadataLine, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, nil
	}

	parts := strings.Split(encoded, itemSeparator)
	lines := make([]MetadataLine, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		line, err := decodeItem(part, allowVariants)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func decodeItem(item string, allowVariants bool) (MetadataLine, error) {
	variant := ""
	if allowVariants {
		if open := strings.LastIndex(item, "["); open >= 0 {
			if !strings.HasSuffix(item, "]") {
				return MetadataLine{}, fmt.Errorf("%w: unterminated variant tag in %q", ErrMalformedMetadata, item)
			}
			variant = item[open+1 : len(item)-1]
			item = item[:open]
		}
	}

	sep := strings.LastIndex(item, fieldSeparator)
	if sep <= 0 || sep == len(item)-1 {
		return MetadataLine{}, fmt.Errorf("%w: missing quantity field in %q", ErrMalformedMetadata, item)
	}
	name := item[:sep]
	qtyPrice := item[sep+1:]

	qtyStr, priceStr, found := strings.Cut(qtyPrice, quantitySeparator)
	if !found {
		return MetadataLine{}, fmt.Errorf("%w: missing price field in %q", ErrMalformedMetadata, item)
	}

	quantity, err := strconv.Atoi(qtyStr)
	if err != nil || quantity <= 0 {
		return MetadataLine{}, fmt.Errorf("%w: invalid quantity %q", ErrMalformedMetadata, qtyStr)
	}
	price, err := strconv.ParseInt(priceStr, 10, 64)
	if err != nil || price < 0 {
		return MetadataLine{}, fmt.Errorf("%w: invalid unit price %q", ErrMalformedMetadata, priceStr)
	}

	return MetadataLine{
		Name:      name,
		Quantity:  quantity,
		UnitPrice: price,
		Variant:   variant,
	}, nil
}

// sanitizeName strips the characters the encoding reserves as delimiters and
// bounds the name length so encoded payloads stay within provider limits.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer(
		itemSeparator, " ",
		fieldSeparator, " ",
		"|", " ",
		"[", " ",
		"]", " ",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	runes := []rune(cleaned)
	if len(runes) > maxEncodedNameLen {
		cleaned = strings.TrimSpace(string(runes[:maxEncodedNameLen]))
	}
	return cleaned
}
