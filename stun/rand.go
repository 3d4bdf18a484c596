package stun

import "github.com/pion/randutil"

// mathRandomGenerator backs transaction-id and SASL-nonce style random
// byte generation. pion/randutil's math generator is seeded from
// crypto/rand once at process start (see its own package docs) and is the
// same generator pion/ice uses for tie-breakers and ufrag/pwd.
var mathRandomGenerator = randutil.NewMathRandomGenerator()

func randRead(b []byte) error {
	for i := range b {
		n, err := mathRandomGenerator.Int(0, 255)
		if err != nil {
			return err
		}
		b[i] = byte(n)
	}
	return nil
}

// GenerateTransactionID returns a fresh random 96-bit transaction ID,
// exported so callers building messages outside of NewMessage (e.g. the
// transaction pool's retry path) can mint one without reaching into
// internals.
func GenerateTransactionID() (TransactionID, error) {
	return newTransactionID()
}
