package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/taskstore"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Operator is what a remote operator may do from a chat.
type Operator interface {
	ListTasks() []taskstore.Snapshot
	StopTask(ctx context.Context, id string) error
	RespondToPermissionPrompt(id, tag string) error
}

// botClient is the subset of *tgbotapi.BotAPI the channel sends through.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type sentPrompt struct {
	chatID    int64
	messageID int
}

// TelegramChannel relays permission prompts to allowed chats as messages with
// inline buttons and maps button presses back to prompt responses.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	operator   Operator
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        botClient

	mu sync.Mutex
	// Callback data is capped at 64 bytes, so buttons carry a short ref
	// instead of the task id.
	nextRef  uint64
	refs     map[string]string       // ref -> task id
	taskRefs map[string]string       // task id -> ref of its open prompt
	prompts  map[string][]sentPrompt // ref -> messages carrying its buttons
}

func NewTelegramChannel(token string, allowedIDs []int64, operator Operator, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		operator:   operator,
		logger:     logger,
		eventBus:   eventBus,
		refs:       make(map[string]string),
		taskRefs:   make(map[string]string),
		prompts:    make(map[string][]sentPrompt),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	if t.eventBus != nil {
		sub := t.eventBus.Subscribe("")
		defer t.eventBus.Unsubscribe(sub)
		go t.forwardEvents(ctx, sub)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or nothing
// arrives within the stall timeout. A nil return means ctx was cancelled.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi long-polls for 60s; silence for 2.5 minutes means a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		if !t.allowed(update.Message.From.ID) {
			t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
			return
		}
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		if !t.allowed(update.CallbackQuery.From.ID) {
			t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
			return
		}
		t.handleCallbackQuery(update.CallbackQuery)
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	_, ok := t.allowedIDs[userID]
	return ok
}

// handleMessage serves the /tasks and /stop commands.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	cmd, arg := parseCommand(msg.Text)
	switch cmd {
	case "tasks":
		t.reply(msg.Chat.ID, formatTaskList(t.operator.ListTasks()))
	case "stop":
		if arg == "" {
			t.reply(msg.Chat.ID, "usage: /stop <task id>")
			return
		}
		if err := t.operator.StopTask(ctx, arg); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("stop %s: %v", arg, err))
			return
		}
		t.reply(msg.Chat.ID, "stop requested for "+arg)
	case "":
	default:
		t.reply(msg.Chat.ID, "commands: /tasks, /stop <task id>")
	}
}

// handleCallbackQuery handles inline button presses on permission prompts.
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	ref, tag, err := parsePermissionCallback(query.Data)
	if err != nil {
		return
	}
	t.mu.Lock()
	taskID, ok := t.refs[ref]
	t.mu.Unlock()

	text := "prompt already resolved"
	if ok {
		if err := t.operator.RespondToPermissionPrompt(taskID, tag); err != nil {
			text = fmt.Sprintf("failed: %v", err)
		} else {
			text = fmt.Sprintf("%s: %s", taskID, tag)
			t.logger.Info("telegram permission response", "task_id", taskID, "response", tag, "user", query.From.UserName)
		}
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, text)); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
}

func (t *TelegramChannel) forwardEvents(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			t.handleEvent(ev)
		}
	}
}

func (t *TelegramChannel) handleEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.PermissionRequestedEvent:
		t.onPermissionRequested(p)
	case bus.PermissionResolvedEvent:
		t.onPermissionResolved(p.TaskID, fmt.Sprintf("%s (%s)", p.Response, p.Source))
	case bus.TaskStateChangedEvent:
		if taskstore.State(p.NewState).Terminal() {
			t.onPermissionResolved(p.TaskID, "task "+p.NewState)
		}
	}
}

func (t *TelegramChannel) onPermissionRequested(req bus.PermissionRequestedEvent) {
	t.mu.Lock()
	t.nextRef++
	ref := strconv.FormatUint(t.nextRef, 36)
	t.refs[ref] = req.TaskID
	t.taskRefs[req.TaskID] = ref
	t.mu.Unlock()

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Allow", permissionCallback(ref, "allow")),
			tgbotapi.NewInlineKeyboardButtonData("✅ Always", permissionCallback(ref, "allow_always")),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Deny", permissionCallback(ref, "deny")),
			tgbotapi.NewInlineKeyboardButtonData("❌ Never", permissionCallback(ref, "deny_always")),
		),
	)
	text := formatPermissionPrompt(req)

	var sent []sentPrompt
	for chatID := range t.allowedIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "MarkdownV2"
		msg.ReplyMarkup = keyboard
		out, err := t.bot.Send(msg)
		if err != nil {
			t.logger.Error("failed to send telegram permission prompt", "task_id", req.TaskID, "error", err)
			continue
		}
		sent = append(sent, sentPrompt{chatID: chatID, messageID: out.MessageID})
	}
	t.mu.Lock()
	t.prompts[ref] = sent
	t.mu.Unlock()
}

// onPermissionResolved retires the task's open prompt and strips its buttons.
func (t *TelegramChannel) onPermissionResolved(taskID, outcome string) {
	t.mu.Lock()
	ref, ok := t.taskRefs[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.taskRefs, taskID)
	delete(t.refs, ref)
	sent := t.prompts[ref]
	delete(t.prompts, ref)
	t.mu.Unlock()

	text := fmt.Sprintf("Permission for `%s`: %s", escapeMarkdownV2(taskID), escapeMarkdownV2(outcome))
	for _, s := range sent {
		edit := tgbotapi.NewEditMessageText(s.chatID, s.messageID, text)
		edit.ParseMode = "MarkdownV2"
		if _, err := t.bot.Send(edit); err != nil {
			t.logger.Warn("failed to update telegram prompt", "task_id", taskID, "error", err)
		}
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func formatPermissionPrompt(req bus.PermissionRequestedEvent) string {
	return fmt.Sprintf("🔐 *Permission requested*\n\nTask: `%s`\nAccess: %s %s\nTarget: `%s`",
		escapeMarkdownV2(req.TaskID),
		escapeMarkdownV2(req.Access),
		escapeMarkdownV2(req.Kind),
		escapeMarkdownV2(req.Descriptor))
}

func formatTaskList(tasks []taskstore.Snapshot) string {
	if len(tasks) == 0 {
		return "no tasks"
	}
	var b strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&b, "%s  %s", task.ID, task.State)
		if task.PendingRequest != nil {
			fmt.Fprintf(&b, "  (%s %s)", task.PendingRequest.Kind, task.PendingRequest.Descriptor)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~`>#+-=|{}.!\\"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}

func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	parts := strings.SplitN(text[1:], " ", 2)
	cmd = parts[0]
	// Commands in groups arrive as /cmd@botname.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

func permissionCallback(ref, tag string) string {
	return "perm:" + ref + ":" + tag
}

// parsePermissionCallback parses "perm:<ref>:<tag>".
func parsePermissionCallback(data string) (ref, tag string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "perm:") {
		return "", "", fmt.Errorf("not a permission callback")
	}
	parts := strings.SplitN(data[len("perm:"):], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid permission callback format")
	}
	return parts[0], parts[1], nil
}
