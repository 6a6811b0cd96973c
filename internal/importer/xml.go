package importer

import (
	"encoding/xml"
	"io"

	"github.com/sloppy/tplsync/internal/apierr"
)

type xmlDocument struct {
	XMLName xml.Name `xml:"configuration"`
	Document
}

// decodeXML reads a <configuration> document. Element names follow the YAML
// keys, with one child element per list entry:
//
//	<configuration>
//	  <templates><template><host>Template OS</host>...</template></templates>
//	  <hosts><host><host>web01</host>...</host></hosts>
//	</configuration>
func decodeXML(r io.Reader) (Document, error) {
	var doc xmlDocument
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return Document{}, apierr.Parameters("Empty XML document.")
		}
		return Document{}, apierr.Parameters("Cannot parse XML document: %v.", err)
	}
	return doc.Document, nil
}
