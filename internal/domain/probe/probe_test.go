package probe_test

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/vouch/internal/domain/probe"
)

func TestMake(t *testing.T) {
	Convey("Given a probe size", t, func() {
		Convey("When making two probes", func() {
			a, errA := probe.Make(1024)
			b, errB := probe.Make(1024)

			Convey("Then each should carry a fresh id and random payload", func() {
				So(errA, ShouldBeNil)
				So(errB, ShouldBeNil)
				So(a.Payload, ShouldHaveLength, 1024)
				So(a.ID, ShouldNotEqual, b.ID)
				So(probe.VerifyEcho(a.Payload, b.Payload), ShouldBeFalse)
			})
		})

		Convey("When the size is not positive", func() {
			_, err := probe.Make(0)
			So(err, ShouldEqual, probe.ErrInvalidSize)
		})
	})
}

func TestMeasure(t *testing.T) {
	Convey("Given send and receive instants", t, func() {
		sent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		Convey("When the echo arrives later", func() {
			rtt, err := probe.Measure(sent, sent.Add(150*time.Millisecond))
			So(err, ShouldBeNil)
			So(rtt, ShouldEqual, 150*time.Millisecond)
		})

		Convey("When both instants are equal", func() {
			rtt, err := probe.Measure(sent, sent)
			So(err, ShouldBeNil)
			So(rtt, ShouldEqual, 0)
		})

		Convey("When the clock went backwards", func() {
			_, err := probe.Measure(sent, sent.Add(-time.Millisecond))
			So(err, ShouldEqual, probe.ErrOutOfOrder)
		})
	})
}

func TestVerifyEcho(t *testing.T) {
	Convey("Given a sent payload", t, func() {
		sent := []byte{1, 2, 3, 4}

		Convey("Then an identical echo should pass", func() {
			So(probe.VerifyEcho(sent, []byte{1, 2, 3, 4}), ShouldBeTrue)
		})

		Convey("Then a single flipped byte should fail", func() {
			So(probe.VerifyEcho(sent, []byte{1, 2, 3, 5}), ShouldBeFalse)
		})

		Convey("Then a truncated or extended echo should fail", func() {
			So(probe.VerifyEcho(sent, []byte{1, 2, 3}), ShouldBeFalse)
			So(probe.VerifyEcho(sent, []byte{1, 2, 3, 4, 0}), ShouldBeFalse)
		})
	})
}
