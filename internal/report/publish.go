package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"wxannual/internal/wx"
)

// Key returns the vault key of a dataset: <accountID>/<runID>.json, plus
// the encryptor's extension when the dataset is sealed.
func Key(ds *Dataset, enc wx.Encryptor) string {
	key := ds.Account.ID + "/" + ds.RunID + ".json"
	if enc != nil {
		key += enc.Extension()
	}
	return key
}

// Encode writes ds as indented JSON.
func Encode(w io.Writer, ds *Dataset) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if err := e.Encode(ds); err != nil {
		return fmt.Errorf("encoding dataset: %w", err)
	}
	return nil
}

// Publish encodes ds, seals it when enc is non-nil, and stores it in v.
// It returns the key the dataset was stored under.
func Publish(v wx.Vault, enc wx.Encryptor, ds *Dataset) (string, error) {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var sealer io.WriteCloser
	if enc != nil {
		var err error
		sealer, err = enc.Seal(&buf)
		if err != nil {
			return "", err
		}
		w = sealer
	}

	if err := Encode(w, ds); err != nil {
		return "", err
	}
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return "", fmt.Errorf("sealing dataset: %w", err)
		}
	}

	key := Key(ds, enc)
	if err := v.Put(key, &buf, int64(buf.Len())); err != nil {
		return "", fmt.Errorf("storing dataset %s: %w", key, err)
	}
	return key, nil
}

// Fetch reads a dataset back from v. Sealed datasets need an unsealer.
func Fetch(v wx.Vault, key string, u wx.Unsealer) (*Dataset, error) {
	var buf bytes.Buffer
	if err := v.Get(key, &buf); err != nil {
		return nil, err
	}

	var r io.Reader = &buf
	if u != nil {
		var err error
		if r, err = u.Open(r); err != nil {
			return nil, err
		}
	}

	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("decoding dataset %s: %w", key, err)
	}
	return &ds, nil
}
