package bot

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"eventbot/internal/notifier"
	"eventbot/internal/tracker"
	logx "eventbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/start", "start", []string{}, true},
		{"  /List@eventbot  now ", "list", []string{"now"}, true},
		{"/", "", nil, false},
		{"hello", "", nil, false},
	}
	for _, tc := range tests {
		name, args, ok := parseCommand(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.name, name, tc.in)
		if tc.ok {
			assert.Equal(t, tc.args, args, tc.in)
		}
	}
}

func TestStartSubscribesByChat(t *testing.T) {
	b, ad, tr := newTestBot()
	run(t, b, message(42, 7, "/start"))

	require.Len(t, tr.profiles, 1)
	assert.Equal(t, int64(42), tr.profiles[0].ExternalID)
	assert.Equal(t, "alice", tr.profiles[0].Username)
	assert.Equal(t, []string{textSubscribed}, ad.texts())
}

func TestListWithoutEvents(t *testing.T) {
	b, ad, _ := newTestBot()
	run(t, b, message(42, 42, "/list"))
	assert.Equal(t, []string{textNoEvents}, ad.texts())
}

func TestListSendsNothingExtraOnSuccess(t *testing.T) {
	b, ad, tr := newTestBot()
	tr.listN = 3
	tr.listReport = notifier.Report{Sent: 3}
	run(t, b, message(42, 42, "/ls"))
	assert.Empty(t, ad.texts())

	tr.listReport = notifier.Report{Sent: 2, Failed: 1}
	b2 := New(b.cfg, ad, tr, b.log)
	run(t, b2, message(42, 42, "/list"))
	assert.Equal(t, []string{fmt.Sprintf(textListFailures, 1)}, ad.texts())
}

func TestHandlerErrorRepliesGenericFailure(t *testing.T) {
	b, ad, tr := newTestBot()
	tr.err = errBoom
	run(t, b, message(42, 42, "/start"))
	assert.Equal(t, []string{textFailed}, ad.texts())
}

func TestScanIsAdminOnly(t *testing.T) {
	b, ad, tr := newTestBot(1)
	run(t, b, message(42, 2, "/scan"), message(42, 1, "/scan"))

	assert.Equal(t, 1, tr.scans)
	texts := ad.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts, textForbidden)
	assert.Contains(t, texts, fmt.Sprintf(textScanDone, 2, 0, 0, 4, 0, 0))
}

func TestUnknownCommand(t *testing.T) {
	b, ad, _ := newTestBot()
	group := message(-100, 1, "/other")
	group.Message.IsGroup = true
	run(t, b, message(42, 42, "/nope"), group, message(42, 42, "plain text"))
	assert.Equal(t, []string{textUnknown}, ad.texts())
}

func TestHelpHidesAdminCommands(t *testing.T) {
	b, ad, _ := newTestBot(1)
	run(t, b, message(42, 42, "/help"))
	require.Len(t, ad.replies, 1)
	assert.Equal(t, "HTML", ad.replies[0].parse)
	assert.Contains(t, ad.replies[0].text, "<code>/list</code>")
	assert.NotContains(t, ad.replies[0].text, "/scan")

	b2, ad2, _ := newTestBot(1)
	run(t, b2, message(42, 1, "/help"))
	assert.Contains(t, ad2.replies[0].text, "<code>/scan</code>")
}

func TestConfirmCallback(t *testing.T) {
	b, ad, tr := newTestBot()
	run(t, b, callback(42, 9, notifier.ConfirmData(5)))

	assert.Equal(t, [][2]int64{{42, 5}}, tr.confirmed)
	assert.Equal(t, []int{9}, ad.cleared)
	assert.Equal(t, textConfirmed, ad.answers["cb1"])
}

func TestConfirmCallbackErrors(t *testing.T) {
	tests := map[string]struct {
		err  error
		text string
	}{
		"not subscribed": {tracker.ErrNoSubscriber, textNeedStart},
		"no delivery":    {fmt.Errorf("wrapped: %w", tracker.ErrNoDelivery), textNoDelivery},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b, ad, tr := newTestBot()
			tr.confirmErr = tc.err
			run(t, b, callback(42, 9, notifier.ConfirmData(5)))
			assert.Equal(t, tc.text, ad.edits[9])
			assert.Empty(t, ad.cleared)
		})
	}
}

func TestConfirmOnPhotoFallsBackToAnswer(t *testing.T) {
	b, ad, tr := newTestBot()
	tr.confirmErr = tracker.ErrNoDelivery
	ad.editFail = errBoom
	run(t, b, callback(42, 9, notifier.ConfirmData(5)))
	assert.Equal(t, textNoDelivery, ad.answers["cb1"])
}

func TestConfirmMalformedPayloadClearsKeyboard(t *testing.T) {
	b, ad, tr := newTestBot()
	run(t, b, callback(42, 9, "event:confirm:abc"))
	assert.Empty(t, tr.confirmed)
	assert.Equal(t, []int{9}, ad.cleared)
}

func TestConfirmFailureAnswersGeneric(t *testing.T) {
	b, ad, tr := newTestBot()
	tr.confirmErr = errBoom
	run(t, b, callback(42, 9, notifier.ConfirmData(5)))
	assert.Equal(t, textFailed, ad.answers["cb1"])
}

func TestBusyWhenQueueFull(t *testing.T) {
	ad := newFakeAdapter()
	b := New(Config{Workers: 1, QueueSize: 1}, ad, &fakeTracker{}, logx.Nop())
	// No workers are running, so the second enqueue overflows.
	ctx := context.Background()
	b.route(ctx, message(42, 42, "/start"))
	b.route(ctx, message(42, 42, "/start"))
	assert.Equal(t, []string{textBusy}, ad.texts())
}

func TestUpdateMenu(t *testing.T) {
	b, ad, _ := newTestBot()
	require.NoError(t, b.UpdateMenu(context.Background()))
	names := make([]string, 0, len(ad.menu))
	for _, c := range ad.menu {
		names = append(names, c.Command)
		if c.Command == "scan" {
			assert.True(t, strings.HasPrefix(c.Description, "🔒"))
		}
	}
	assert.Equal(t, []string{"start", "list", "scan", "help"}, names)
}

func TestSanitizeCommand(t *testing.T) {
	assert.Equal(t, "list_all", sanitizeCommand(" List-All "))
	assert.Equal(t, "cmd_1x", sanitizeCommand("1x"))
	assert.Equal(t, "", sanitizeCommand("!!!"))
	assert.Len(t, sanitizeCommand(strings.Repeat("a", 40)), 32)
}
