// Package dss reads and writes the Document Security Store, the catalog
// entry holding the certificates, OCSP responses and CRLs needed to
// validate the signatures of a document long after they were made.
package dss

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/digitorus/pades/sign"
	"github.com/digitorus/pdf"
)

type digest [sha256.Size]byte

type item struct {
	data []byte
	// ref is zero for items that are not in the document yet.
	ref sign.Reference
}

// pool is an append only list of streams deduplicated by content.
type pool struct {
	items []*item
	index map[digest]*item
}

func (p *pool) add(data []byte, ref sign.Reference) (digest, bool) {
	key := sha256.Sum256(data)
	if p.index == nil {
		p.index = map[digest]*item{}
	}
	if _, ok := p.index[key]; ok {
		return key, false
	}
	it := &item{data: data, ref: ref}
	p.items = append(p.items, it)
	p.index[key] = it
	return key, true
}

func (p *pool) data() [][]byte {
	out := make([][]byte, 0, len(p.items))
	for _, it := range p.items {
		out = append(out, it.data)
	}
	return out
}

type vriEntry struct {
	certs []digest
	ocsps []digest
	crls  []digest
	tu    string
}

// VRI is the validation data recorded for a single signature.
type VRI struct {
	Certificates [][]byte
	OCSPs        [][]byte
	CRLs         [][]byte
	// TU is the time the entry was written, as a PDF date.
	TU string
}

// DSS is the Document Security Store of a document, with the additions of
// the revision being prepared.
type DSS struct {
	certs pool
	ocsps pool
	crls  pool
	vri   map[string]*vriEntry
	// ref is the existing DSS object, if it is stored as one.
	ref *sign.Reference
}

// New returns an empty store.
func New() *DSS {
	return &DSS{vri: map[string]*vriEntry{}}
}

// Load reads /DSS from the document catalog. A document without one yields
// an empty store.
func Load(rdr *pdf.Reader) (*DSS, error) {
	d := New()
	root := rdr.Trailer().Key("Root")
	v := root.Key("DSS")
	if v.IsNull() {
		return d, nil
	}
	if v.Kind() != pdf.Dict {
		return nil, fmt.Errorf("/DSS is not a dictionary")
	}
	if v.GetPtr() != root.GetPtr() && v.GetPtr().GetID() != 0 {
		ref, err := sign.ObjectReference(v)
		if err == nil {
			d.ref = &ref
		}
	}

	for _, list := range []struct {
		key string
		p   *pool
	}{
		{"Certs", &d.certs},
		{"OCSPs", &d.ocsps},
		{"CRLs", &d.crls},
	} {
		if _, err := loadArray(v.Key(list.key), list.p); err != nil {
			return nil, fmt.Errorf("/DSS /%s: %w", list.key, err)
		}
	}

	vri := v.Key("VRI")
	for _, key := range vri.Keys() {
		entry := vri.Key(key)
		e := &vriEntry{}
		var err error
		if e.certs, err = loadArray(entry.Key("Cert"), &d.certs); err != nil {
			return nil, fmt.Errorf("/VRI /%s /Cert: %w", key, err)
		}
		if e.ocsps, err = loadArray(entry.Key("OCSP"), &d.ocsps); err != nil {
			return nil, fmt.Errorf("/VRI /%s /OCSP: %w", key, err)
		}
		if e.crls, err = loadArray(entry.Key("CRL"), &d.crls); err != nil {
			return nil, fmt.Errorf("/VRI /%s /CRL: %w", key, err)
		}
		if tu := entry.Key("TU"); tu.Kind() == pdf.String {
			e.tu = tu.Text()
		}
		d.vri[strings.ToUpper(key)] = e
	}
	return d, nil
}

// loadArray adds the streams of an array to p and returns their keys.
func loadArray(arr pdf.Value, p *pool) ([]digest, error) {
	var keys []digest
	for i := 0; i < arr.Len(); i++ {
		s := arr.Index(i)
		if s.Kind() != pdf.Stream {
			return nil, fmt.Errorf("entry %d is not a stream", i)
		}
		data, err := readStream(s)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		var ref sign.Reference
		if r, err := sign.ObjectReference(s); err == nil {
			ref = r
		}
		key, _ := p.add(data, ref)
		keys = append(keys, key)
	}
	return keys, nil
}

func readStream(s pdf.Value) ([]byte, error) {
	rc := s.Reader()
	defer rc.Close()
	return io.ReadAll(rc)
}

// Certificates returns the DER encoded certificates of /Certs.
func (d *DSS) Certificates() [][]byte { return d.certs.data() }

// OCSPs returns the DER encoded OCSP responses of /OCSPs.
func (d *DSS) OCSPs() [][]byte { return d.ocsps.data() }

// CRLs returns the DER encoded CRLs of /CRLs.
func (d *DSS) CRLs() [][]byte { return d.crls.data() }

// VRI returns the entries of /VRI keyed by the uppercase hexadecimal hash
// of the signature they belong to.
func (d *DSS) VRI() map[string]VRI {
	out := make(map[string]VRI, len(d.vri))
	for key, e := range d.vri {
		out[key] = VRI{
			Certificates: d.certs.lookup(e.certs),
			OCSPs:        d.ocsps.lookup(e.ocsps),
			CRLs:         d.crls.lookup(e.crls),
			TU:           e.tu,
		}
	}
	return out
}

func (p *pool) lookup(keys []digest) [][]byte {
	var out [][]byte
	for _, it := range p.resolve(keys) {
		out = append(out, it.data)
	}
	return out
}

// AddCertificate adds a DER encoded certificate and reports whether it was
// new.
func (d *DSS) AddCertificate(der []byte) bool {
	_, added := d.certs.add(der, sign.Reference{})
	return added
}

// AddOCSP adds a DER encoded OCSP response and reports whether it was new.
func (d *DSS) AddOCSP(der []byte) bool {
	_, added := d.ocsps.add(der, sign.Reference{})
	return added
}

// AddCRL adds a DER encoded CRL and reports whether it was new.
func (d *DSS) AddCRL(der []byte) bool {
	_, added := d.crls.add(der, sign.Reference{})
	return added
}

// AddVRI records the validation data of one signature. The material is
// added to the document level arrays as well. An existing entry for the
// same key is extended.
func (d *DSS) AddVRI(key string, v VRI) {
	key = strings.ToUpper(key)
	e, ok := d.vri[key]
	if !ok {
		e = &vriEntry{}
		d.vri[key] = e
	}
	for _, c := range v.Certificates {
		k, _ := d.certs.add(c, sign.Reference{})
		e.certs = appendDigest(e.certs, k)
	}
	for _, o := range v.OCSPs {
		k, _ := d.ocsps.add(o, sign.Reference{})
		e.ocsps = appendDigest(e.ocsps, k)
	}
	for _, c := range v.CRLs {
		k, _ := d.crls.add(c, sign.Reference{})
		e.crls = appendDigest(e.crls, k)
	}
	if v.TU != "" {
		e.tu = v.TU
	}
}

func appendDigest(list []digest, k digest) []digest {
	for _, e := range list {
		if e == k {
			return list
		}
	}
	return append(list, k)
}

// Write adds the new streams and the DSS dictionary to the revision and
// returns the reference to store in the catalog. An existing DSS object is
// replaced in place.
func (d *DSS) Write(w *sign.IncrementalWriter) (sign.Reference, error) {
	for _, p := range []*pool{&d.certs, &d.ocsps, &d.crls} {
		for _, it := range p.items {
			if it.ref.ID != 0 {
				continue
			}
			id, err := w.AddStream("", it.data)
			if err != nil {
				return sign.Reference{}, fmt.Errorf("failed to write dss stream: %w", err)
			}
			it.ref = sign.Reference{ID: id}
		}
	}

	body := []byte(d.dictionary())
	if d.ref != nil {
		if err := w.UpdateObject(*d.ref, body); err != nil {
			return sign.Reference{}, fmt.Errorf("failed to update dss: %w", err)
		}
		return *d.ref, nil
	}
	id, err := w.AddObject(body)
	if err != nil {
		return sign.Reference{}, fmt.Errorf("failed to write dss: %w", err)
	}
	ref := sign.Reference{ID: id}
	d.ref = &ref
	return ref, nil
}

func (d *DSS) dictionary() string {
	var b strings.Builder
	b.WriteString("<< /Type /DSS")
	writeArray(&b, "Certs", d.certs.items)
	writeArray(&b, "OCSPs", d.ocsps.items)
	writeArray(&b, "CRLs", d.crls.items)

	if len(d.vri) > 0 {
		keys := make([]string, 0, len(d.vri))
		for k := range d.vri {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" /VRI <<")
		for _, k := range keys {
			e := d.vri[k]
			b.WriteString(" /" + k + " <<")
			writeArray(&b, "Cert", d.certs.resolve(e.certs))
			writeArray(&b, "OCSP", d.ocsps.resolve(e.ocsps))
			writeArray(&b, "CRL", d.crls.resolve(e.crls))
			if e.tu != "" {
				b.WriteString(" /TU " + sign.TextString(e.tu))
			}
			b.WriteString(" >>")
		}
		b.WriteString(" >>")
	}
	b.WriteString(" >>")
	return b.String()
}

func (p *pool) resolve(keys []digest) []*item {
	var out []*item
	for _, k := range keys {
		if it, ok := p.index[k]; ok {
			out = append(out, it)
		}
	}
	return out
}

func writeArray(b *strings.Builder, name string, items []*item) {
	if len(items) == 0 {
		return
	}
	b.WriteString(" /" + name + " [")
	for i, it := range items {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(it.ref.String())
	}
	b.WriteString("]")
}
