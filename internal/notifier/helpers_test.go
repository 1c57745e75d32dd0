package notifier

import logx "eventbot/pkg/logx"

func nilLogger() logx.Logger { return logx.Nop() }
