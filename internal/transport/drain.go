package transport

import (
	"strconv"
	"strings"
	"time"

	"github.com/HaloDragon7410/http-tunnel/internal/reorder"
	"github.com/HaloDragon7410/http-tunnel/internal/tunnel"
)

// decodeInbound implements spec.md §4.5's inbound decode: tokenid decrypts
// to space-separated decimal sequence numbers, token to space-separated
// base64 payloads; the two are zipped, each payload decrypted, and the
// resulting chunks pushed to the session's inbound queue. Decoding stops
// (without reporting an error) after the first zero-length payload,
// mirroring the Python original's early break.
func decodeInbound(s *tunnel.Session, tokenidB64, tokenStr string) *errKind {
	rawIDs, err := s.Cipher.Decrypt(tokenidB64)
	if err != nil {
		return &errInvalidTokenID
	}

	ids := strings.Split(string(rawIDs), " ")
	tokens := strings.Split(tokenStr, " ")

	n := len(ids)
	if len(tokens) < n {
		n = len(tokens)
	}

	for i := 0; i < n; i++ {
		seq, err := strconv.ParseUint(ids[i], 10, 64)
		if err != nil {
			return &errInvalidTokenID
		}

		payload, err := s.Cipher.Decrypt(tokens[i])
		if err != nil {
			return &errInvalidToken
		}

		if s.IsClosing() {
			break
		}
		s.InQueue.Push(reorder.Item{Seq: seq, Payload: payload})
		if len(payload) == 0 {
			break
		}
	}
	return nil
}

// drainOutbound implements spec.md §4.5's outbound drain algorithm,
// common to the GET/body endpoints and the WebSocket send loop. out_seq
// increments exactly once per item actually emitted (spec.md §9's
// resolved open question), so the whole operation runs under the
// session's drain lock.
func drainOutbound(s *tunnel.Session, sid string, queueSize int, timeout time.Duration) (Envelope, int) {
	s.DrainLock()
	defer s.DrainUnlock()

	item, ok := s.OutQueue.Get(timeout)
	if !ok {
		if s.IsClosing() {
			seq := s.NextOutSeqLocked()
			return Envelope{
				Error:   errStr("Timeout"),
				TokenID: s.Cipher.Encrypt([]byte(strconv.FormatUint(seq, 10))),
				Token:   s.Cipher.Encrypt(nil),
				SID:     sid,
			}, 200
		}
		return Envelope{Error: errStr("Timeout"), SID: sid}, 202
	}

	seqs := []string{strconv.FormatUint(s.NextOutSeqLocked(), 10)}
	tokens := []string{s.Cipher.Encrypt(item.Payload)}

	for len(seqs) < queueSize {
		more, ok := s.OutQueue.TryGet()
		if !ok {
			break
		}
		seqs = append(seqs, strconv.FormatUint(s.NextOutSeqLocked(), 10))
		tokens = append(tokens, s.Cipher.Encrypt(more.Payload))
	}

	return Envelope{
		Error:   errNone,
		TokenID: s.Cipher.Encrypt([]byte(strings.Join(seqs, " "))),
		Token:   strings.Join(tokens, " "),
		SID:     sid,
	}, 200
}
