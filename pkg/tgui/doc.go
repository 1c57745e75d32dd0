// Package tgui provides small Telegram UI helpers:
//   - HTML escaping and formatting for ParseMode="HTML"
//   - Callback data helpers (namespace:action:payload)
//   - Inline keyboard builders
package tgui
