package visa

import "strings"

// IDN is a parsed *IDN? response.
type IDN struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

// ParseIDN splits an IEEE 488.2 identification string. Responses without
// four comma-separated fields are malformed and yield empty strings.
func ParseIDN(resp string) (manufacturer, model string) {
	idn, ok := ParseIDNFields(resp)
	if !ok {
		return "", ""
	}
	return idn.Manufacturer, idn.Model
}

// ParseIDNFields returns all four fields and whether the response was well formed.
func ParseIDNFields(resp string) (IDN, bool) {
	parts := strings.SplitN(strings.TrimSpace(resp), ",", 4)
	if len(parts) != 4 {
		return IDN{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return IDN{Manufacturer: parts[0], Model: parts[1], Serial: parts[2], Firmware: parts[3]}, true
}

// QueryIDN asks r for its identification. Transport errors are returned;
// a malformed answer is not an error.
func QueryIDN(r Resource) (manufacturer, model string, err error) {
	resp, err := r.Query("*IDN?")
	if err != nil {
		return "", "", err
	}
	manufacturer, model = ParseIDN(resp)
	return manufacturer, model, nil
}
