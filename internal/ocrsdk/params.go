package ocrsdk

import (
	"net/url"
	"strconv"
)

// ProcessingParams mirrors the options accepted by processImage.
// Zero values are not sent, leaving the server default in effect.
type ProcessingParams struct {
	Language           string
	Profile            string
	TextType           string
	ImageSource        string
	ExportFormat       string
	CorrectOrientation *bool
	CorrectSkew        *bool
	ReadBarcodes       *bool
	Description        string
	PDFPassword        string

	// Extra carries server options this package does not model.
	// Keys already set by a typed field are ignored.
	Extra map[string]string
}

// Bool returns a pointer to v for the optional flags of ProcessingParams.
func Bool(v bool) *bool {
	return &v
}

// Values encodes the params as query parameters for the submission request.
func (p ProcessingParams) Values() url.Values {
	values := url.Values{}
	setString := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	setBool := func(key string, value *bool) {
		if value != nil {
			values.Set(key, strconv.FormatBool(*value))
		}
	}

	setString("language", p.Language)
	setString("profile", p.Profile)
	setString("textType", p.TextType)
	setString("imageSource", p.ImageSource)
	setString("exportFormat", p.ExportFormat)
	setBool("correctOrientation", p.CorrectOrientation)
	setBool("correctSkew", p.CorrectSkew)
	setBool("readBarcodes", p.ReadBarcodes)
	setString("description", p.Description)
	setString("pdfPassword", p.PDFPassword)

	for key, value := range p.Extra {
		if _, taken := values[key]; taken {
			continue
		}
		values.Set(key, value)
	}
	return values
}
