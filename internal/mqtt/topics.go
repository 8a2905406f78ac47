package mqtt

import "fmt"

func TopicTerminalReading(prefix string) string {
	return fmt.Sprintf("%s/terminal/+/reading", prefix)
}

func TopicTerminalOnline(prefix string) string {
	return fmt.Sprintf("%s/terminal/+/online", prefix)
}

func TopicTerminalHeartbeat(prefix string) string {
	return fmt.Sprintf("%s/terminal/+/heartbeat", prefix)
}

func TopicReading(prefix, terminalID string) string {
	return fmt.Sprintf("%s/terminal/%s/reading", prefix, terminalID)
}

func TopicOnline(prefix, terminalID string) string {
	return fmt.Sprintf("%s/terminal/%s/online", prefix, terminalID)
}

func TopicCombined(prefix, terminalID string) string {
	return fmt.Sprintf("%s/terminal/%s/combined", prefix, terminalID)
}

func TopicSyncState(prefix string) string {
	return fmt.Sprintf("%s/sync/state", prefix)
}

func TopicHeartbeat(prefix, terminalID string) string {
	return fmt.Sprintf("%s/terminal/%s/heartbeat", prefix, terminalID)
}
