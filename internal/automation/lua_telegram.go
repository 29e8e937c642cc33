//go:build !no_automation

package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// TelegramConfig holds configuration for the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

var telegramClient = &http.Client{Timeout: 10 * time.Second}

// registerTelegramModule registers the `telegram` global table in a Lua state.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return telegramSend(L, e)
	}))

	L.SetGlobal("telegram", mod)
}

// telegram.send(msg) fans the message out to every configured chat.
// Delivery is fire-and-forget.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)

	if e.telegramCfg.BotToken == "" || len(e.telegramCfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot not configured")
		return 0
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", e.telegramCfg.BotToken)
	for _, chatID := range e.telegramCfg.ChatIDs {
		go func() {
			body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": msg})
			if err != nil {
				e.logger.Error("telegram payload", "err", err)
				return
			}

			req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				e.logger.Error("telegram request", "err", err)
				return
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := telegramClient.Do(req)
			if err != nil {
				e.logger.Error("telegram send", "err", err, "chat_id", chatID)
				return
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				e.logger.Warn("telegram send rejected", "status", resp.StatusCode, "chat_id", chatID)
			}
		}()
	}

	return 0
}
