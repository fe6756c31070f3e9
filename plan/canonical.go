package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sort"
	"strconv"

	"github.com/teranos/stagee/errors"
)

// Canonicalize returns the deterministic byte form of p: compact JSON with
// recursively sorted object keys, a sorted target list and normalized numbers.
// Step order is significant and preserved. This is the only input to Hash.
func Canonicalize(p *Plan) ([]byte, error) {
	cp := *p
	cp.Targets = append([]string(nil), p.Targets...)
	sort.Strings(cp.Targets)

	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode plan")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, errors.Wrap(err, "failed to re-read plan")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(generic)); err != nil {
		return nil, errors.Wrap(err, "failed to encode canonical plan")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize rewrites numbers so 5, 5.0 and 5e0 encode identically. Maps need no
// work: encoding/json writes map keys in sorted order.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	case json.Number:
		return canonicalNumber(t)
	default:
		return v
	}
}

func canonicalNumber(n json.Number) json.Number {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10))
	}
	r, ok := new(big.Rat).SetString(string(n))
	if !ok {
		return n
	}
	if r.IsInt() {
		return json.Number(r.Num().String())
	}
	f, _ := r.Float64()
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// Digest is the hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash canonicalizes p and returns its digest together with the canonical bytes.
func Hash(p *Plan) (string, []byte, error) {
	canonical, err := Canonicalize(p)
	if err != nil {
		return "", nil, err
	}
	return Digest(canonical), canonical, nil
}

// IdempotencyMaterial binds a plan hash to the submitting tenant and actor.
// It is used as the idempotency key when the caller supplies none.
func IdempotencyMaterial(tenantID, actorID, planHash string) string {
	h := sha256.New()
	for _, part := range []string{tenantID, actorID, planHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
