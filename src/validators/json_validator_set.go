package validators

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
)

const (
	jsonValidatorSetPath        = "validators.json"
	jsonGenesisValidatorSetPath = "validators.genesis.json"
)

// JSONValidatorSet provides validator-set persistence on disk in the form of
// a JSON file.
type JSONValidatorSet struct {
	l    sync.Mutex
	path string
}

// NewJSONValidatorSet creates a new JSONValidatorSet with reference to a base
// directory where the JSON files reside.
func NewJSONValidatorSet(base string, isCurrent bool) *JSONValidatorSet {
	var path string

	if isCurrent {
		path = filepath.Join(base, jsonValidatorSetPath)
	} else {
		path = filepath.Join(base, jsonGenesisValidatorSetPath)
	}

	return &JSONValidatorSet{
		path: path,
	}
}

// Read parses the underlying JSON file and returns the validator list.
func (j *JSONValidatorSet) Read() ([]*Validator, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var vals []*Validator
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&vals); err != nil {
		return nil, err
	}

	cleanseValidators(vals)

	return vals, nil
}

// cleanseValidators standardises public key strings to the format the node
// derives from a private key, and defaults omitted weights to 1 so a
// hand-written genesis file need not spell them out.
func cleanseValidators(vals []*Validator) {
	for _, v := range vals {
		v.PubKeyHex = "0X" + strings.TrimPrefix(strings.ToUpper(v.PubKeyHex), "0X")
		if v.Weight == 0 {
			v.Weight = 1
		}
	}
}

// Write persists a validator list to the JSON file.
func (j *JSONValidatorSet) Write(vals []*Validator) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(vals); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0755)
}
