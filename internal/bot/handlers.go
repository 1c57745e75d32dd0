package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"eventbot/internal/model"
	"eventbot/internal/notifier"
	"eventbot/internal/tracker"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

const (
	textSubscribed   = "已订阅活动推送，使用 /list 查看当前活动。"
	textNoEvents     = "当前没有正在进行或即将到来的活动。"
	textNeedStart    = "请先发送 /start 订阅活动推送。"
	textNoDelivery   = "未找到对应活动，请稍后再试。"
	textConfirmed    = "已确认"
	textFailed       = "操作失败，请稍后再试。"
	textBusy         = "机器人繁忙，请稍后再试。"
	textUnknown      = "未知命令，发送 /help 查看可用命令。"
	textForbidden    = "该命令仅限管理员使用。"
	textScanDone     = "扫描完成：新增 %d，更新 %d，下线 %d；推送成功 %d，失败 %d，提醒 %d。"
	textListFailures = "有 %d 条活动发送失败，请稍后重试 /list。"
)

func (b *Bot) builtinCommands() []Command {
	return []Command{
		{Name: "start", Description: "订阅活动推送", Handle: b.handleStart},
		{Name: "list", Aliases: []string{"ls"}, Description: "查看当前活动", Handle: b.handleList},
		{Name: "scan", Description: "立即抓取并推送新活动", AdminOnly: true, Handle: b.handleScan},
		{Name: "help", Aliases: []string{"h"}, Description: "查看帮助", Handle: b.handleHelp},
	}
}

// profileOf keys the subscriber by chat, so a group subscribes as a whole.
func profileOf(req *Request) model.SubscriberProfile {
	return model.SubscriberProfile{
		ExternalID: req.Chat.ChatID,
		Username:   req.From.Username,
		FirstName:  req.From.FirstName,
		LastName:   req.From.LastName,
	}
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	if _, err := b.tracker.Subscribe(ctx, profileOf(req)); err != nil {
		return err
	}
	b.reply(ctx, req.Chat, textSubscribed)
	return nil
}

func (b *Bot) handleList(ctx context.Context, req *Request) error {
	n, rep, err := b.tracker.List(ctx, profileOf(req))
	if err != nil {
		return err
	}
	if n == 0 {
		b.reply(ctx, req.Chat, textNoEvents)
		return nil
	}
	if rep.Failed > 0 && rep.Sent > 0 {
		b.reply(ctx, req.Chat, fmt.Sprintf(textListFailures, rep.Failed))
	}
	return nil
}

func (b *Bot) handleScan(ctx context.Context, req *Request) error {
	sum, err := b.tracker.Scan(ctx)
	if err != nil {
		return err
	}
	b.reply(ctx, req.Chat, fmt.Sprintf(textScanDone, sum.Created, sum.Updated, sum.Deactivated, sum.Sent, sum.Failed, sum.Reminded))
	return nil
}

func (b *Bot) handleHelp(ctx context.Context, req *Request) error {
	admin := b.isAdmin(req.From.ID)
	lines := make([]tgui.H, 0, 8)
	lines = append(lines, tgui.B("可用命令"))
	for _, c := range b.Commands() {
		if c.Hidden || (c.AdminOnly && !admin) {
			continue
		}
		line := tgui.JoinH(" ", tgui.Code("/"+c.Name), tgui.Esc(c.Description))
		if len(c.Aliases) > 0 {
			line = tgui.JoinH(" ", line, tgui.I("("+strings.Join(c.Aliases, ", ")+")"))
		}
		lines = append(lines, line)
	}
	_, err := b.adapter.SendText(ctx, req.Chat, tgui.JoinH("\n", lines...).String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// handleConfirm processes the "Done" button. Errors that concern the user
// (not subscribed, unknown event) replace the message text; the button is
// removed once the delivery is confirmed.
func (b *Bot) handleConfirm(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}

	eventID, ok := notifier.ParseConfirm(req.Payload)
	if !ok {
		_ = b.adapter.AnswerCallback(ctx, cb.ID, "")
		if err := b.adapter.ClearMarkup(ctx, ref); err != nil {
			req.Logger.Debug("clear markup failed", logx.Err(err))
		}
		return nil
	}

	changed, err := b.tracker.Confirm(ctx, req.Chat.ChatID, eventID)
	switch {
	case errors.Is(err, tracker.ErrNoSubscriber):
		b.explain(ctx, req, ref, textNeedStart)
		return nil
	case errors.Is(err, tracker.ErrNoDelivery):
		b.explain(ctx, req, ref, textNoDelivery)
		return nil
	case err != nil:
		return err
	}

	if err := b.adapter.ClearMarkup(ctx, ref); err != nil {
		req.Logger.Warn("clear markup failed", logx.Err(err))
	}
	req.Logger.Debug("confirm handled", logx.Int64("event_id", eventID), logx.Bool("changed", changed))
	return b.adapter.AnswerCallback(ctx, cb.ID, textConfirmed)
}

// explain answers the callback and replaces the message text. Photo
// messages have no text to edit; the callback answer carries the hint then.
func (b *Bot) explain(ctx context.Context, req *Request, ref kit.MessageRef, text string) {
	if err := b.adapter.EditText(ctx, ref, text, nil); err != nil {
		req.Logger.Debug("edit text failed", logx.Err(err))
		_ = b.adapter.AnswerCallback(ctx, req.Update.Callback.ID, text)
		return
	}
	_ = b.adapter.AnswerCallback(ctx, req.Update.Callback.ID, "")
}
