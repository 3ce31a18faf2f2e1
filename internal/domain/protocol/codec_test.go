package protocol_test

import (
	"errors"
	"math/big"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/vouch/internal/domain/protocol"
)

func TestCodec(t *testing.T) {
	Convey("Given protocol messages", t, func() {
		Convey("When a CPU challenge is encoded", func() {
			msg := protocol.CPUChallenge{PuzzleID: "p-1", N: big.NewInt(3233), A: big.NewInt(42), T: 7}
			data, err := protocol.Encode(msg)
			So(err, ShouldBeNil)

			Convey("Then big integers should travel as hex", func() {
				So(string(data), ShouldContainSubstring, `"type":"cpu_challenge"`)
				So(string(data), ShouldContainSubstring, `"n":"ca1"`)
				So(string(data), ShouldContainSubstring, `"a":"2a"`)
			})

			Convey("And decoding should restore the values", func() {
				out, err := protocol.Decode(data)
				So(err, ShouldBeNil)
				got, ok := out.(protocol.CPUChallenge)
				So(ok, ShouldBeTrue)
				So(got.N.Cmp(msg.N), ShouldEqual, 0)
				So(got.A.Cmp(msg.A), ShouldEqual, 0)
				So(got.T, ShouldEqual, 7)
			})
		})

		Convey("When a solution with a huge value is decoded", func() {
			huge := new(big.Int).Lsh(big.NewInt(1), 2048)
			data, err := protocol.Encode(protocol.CPUSolution{PuzzleID: "p-2", Value: huge})
			So(err, ShouldBeNil)
			out, err := protocol.Decode(data)

			Convey("Then no precision should be lost", func() {
				So(err, ShouldBeNil)
				So(out.(protocol.CPUSolution).Value.Cmp(huge), ShouldEqual, 0)
			})
		})

		Convey("When an echo payload is decoded", func() {
			data, err := protocol.Encode(protocol.NetworkEcho{ProbeID: "e-1", Payload: []byte{0, 1, 255}})
			So(err, ShouldBeNil)
			out, err := protocol.Decode(data)
			So(err, ShouldBeNil)
			So(out, ShouldResemble, protocol.NetworkEcho{ProbeID: "e-1", Payload: []byte{0, 1, 255}})
		})

		Convey("When a round result is encoded", func() {
			msg := protocol.RoundResult{ChallengeID: "p-3", Index: 2, RoundKind: "cpu", Outcome: "timeout"}
			data, err := protocol.Encode(msg)
			So(err, ShouldBeNil)

			Convey("Then the round kind should travel under the kind key", func() {
				So(string(data), ShouldContainSubstring, `"kind":"cpu"`)
				out, err := protocol.Decode(data)
				So(err, ShouldBeNil)
				So(out, ShouldResemble, msg)
				So(out.Kind(), ShouldEqual, protocol.KindRoundResult)
			})
		})

		Convey("When the client reports an error", func() {
			data, err := protocol.Encode(protocol.ClientError{Message: "out of memory"})
			So(err, ShouldBeNil)
			out, err := protocol.Decode(data)
			So(err, ShouldBeNil)
			So(out.Kind(), ShouldEqual, protocol.KindClientError)
		})
	})
}

func TestDecodeMalformed(t *testing.T) {
	Convey("Given malformed frames", t, func() {
		frames := []string{
			`not json`,
			`{"type":"cpu_solution"}`,
			`{"type":"teleport","body":{}}`,
			`{"type":"cpu_solution","body":{"puzzle_id":"p","value":"xyz"}}`,
			`{"type":"cpu_solution","body":{"puzzle_id":"p","value":"-ff"}}`,
			`{"type":"network_echo","body":{"probe_id":"e","payload":"%%%"}}`,
		}

		Convey("Then every one should be reported as malformed", func() {
			for _, f := range frames {
				_, err := protocol.Decode([]byte(f))
				So(errors.Is(err, protocol.ErrMalformed), ShouldBeTrue)
			}
		})
	})
}
