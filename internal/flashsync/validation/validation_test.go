package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testValidator() *Validator {
	return &Validator{Now: func() time.Time { return testNow }}
}

func validFlash() model.Flash {
	return model.Flash{
		FlashID:    76707905,
		City:       "Paris",
		Player:     "CHARLES_BEST",
		Img:        "/media/queries/2024/12/29/image_mGJJwig.jpg",
		Text:       "Paris, CHARLES_BEST",
		Timestamp:  testNow.Add(-time.Hour).Unix(),
		FlashCount: "30 658 715",
	}
}

func TestValidateAcceptsGoodFlash(t *testing.T) {
	assert.Empty(t, testValidator().Validate(validFlash()))
}

func TestValidateFieldRules(t *testing.T) {
	tests := map[string]struct {
		mutate   func(*model.Flash)
		expected []ErrorKind
	}{
		"zero flash id": {
			func(f *model.Flash) { f.FlashID = 0 },
			[]ErrorKind{InvalidFlashID},
		},
		"negative flash id": {
			func(f *model.Flash) { f.FlashID = -5 },
			[]ErrorKind{InvalidFlashID},
		},
		"zero timestamp": {
			func(f *model.Flash) { f.Timestamp = 0 },
			[]ErrorKind{InvalidTimestamp},
		},
		"missing city": {
			func(f *model.Flash) { f.City = "   " },
			[]ErrorKind{MissingCity},
		},
		"city too long": {
			func(f *model.Flash) { f.City = strings.Repeat("a", 101) },
			[]ErrorKind{CityTooLong},
		},
		"missing player": {
			func(f *model.Flash) { f.Player = "" },
			[]ErrorKind{MissingPlayer},
		},
		"player too long": {
			func(f *model.Flash) { f.Player = strings.Repeat("p", 101) },
			[]ErrorKind{PlayerTooLong},
		},
		"missing img": {
			func(f *model.Flash) { f.Img = "" },
			[]ErrorKind{MissingImg},
		},
		"img too long": {
			func(f *model.Flash) { f.Img = strings.Repeat("i", 501) },
			[]ErrorKind{ImgTooLong},
		},
		"text too long": {
			func(f *model.Flash) { f.Text = strings.Repeat("t", 1001) },
			[]ErrorKind{TextTooLong},
		},
		"flash count too long": {
			func(f *model.Flash) { f.FlashCount = strings.Repeat("9", 51) },
			[]ErrorKind{FlashCountTooLong},
		},
		"ipfs cid too long": {
			func(f *model.Flash) { f.IpfsCid = strings.Repeat("Q", 256) },
			[]ErrorKind{InvalidIpfsCid},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := validFlash()
			tc.mutate(&f)
			assert.Equal(t, tc.expected, testValidator().Validate(f))
		})
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	f := model.Flash{FlashID: 0, Timestamp: 0, City: "", Player: "", Img: ""}
	kinds := testValidator().Validate(f)
	assert.ElementsMatch(t,
		[]ErrorKind{InvalidFlashID, InvalidTimestamp, MissingCity, MissingPlayer, MissingImg},
		kinds)
}

func TestValidateTimestampWindow(t *testing.T) {
	tests := map[string]struct {
		ts       time.Time
		accepted bool
	}{
		"three years past":        {testNow.AddDate(-3, 0, 0), false},
		"just inside past window": {testNow.Add(-2 * 365 * 24 * time.Hour), true},
		"six months future":       {testNow.Add(182 * 24 * time.Hour), true},
		"exactly one year future": {testNow.Add(365 * 24 * time.Hour), true},
		"one second past a year":  {testNow.Add(365*24*time.Hour + time.Second), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := validFlash()
			f.Timestamp = tc.ts.Unix()
			kinds := testValidator().Validate(f)
			if tc.accepted {
				assert.Empty(t, kinds)
			} else {
				assert.Equal(t, []ErrorKind{TimestampOutOfRange}, kinds)
			}
		})
	}
}

func TestSanitizeTrimsStrings(t *testing.T) {
	f := model.Flash{
		FlashID:    1,
		City:       "  Paris ",
		Player:     " bob\n",
		Img:        " /img.jpg ",
		Text:       "\thello ",
		FlashCount: " 123 456 ",
		IpfsCid:    " Qm123 ",
		Timestamp:  99,
	}
	got := Sanitize(f)
	assert.Equal(t, "Paris", got.City)
	assert.Equal(t, "bob", got.Player)
	assert.Equal(t, "/img.jpg", got.Img)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "123 456", got.FlashCount)
	assert.Equal(t, "Qm123", got.IpfsCid)
	assert.Equal(t, int64(1), got.FlashID)
	assert.Equal(t, int64(99), got.Timestamp)
}

func TestBreakdown(t *testing.T) {
	counts := Breakdown([][]ErrorKind{
		{InvalidFlashID, MissingCity},
		{MissingCity},
		nil,
	})
	assert.Equal(t, map[ErrorKind]int{InvalidFlashID: 1, MissingCity: 2}, counts)
}
