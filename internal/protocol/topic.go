package protocol

import "strings"

const (
	taskSuffix   = "/task"
	statusSuffix = "/status"
	ackSuffix    = "/ack"
)

// BaseTopic strips a trailing dispatch suffix so both "F1/W1/0x1" and
// "F1/W1/0x1/task" name the same robot.
func BaseTopic(channel string) string {
	return strings.TrimSuffix(channel, taskSuffix)
}

// TaskTopic is where dispatch envelopes for channel are published.
func TaskTopic(channel string) string {
	return BaseTopic(channel) + taskSuffix
}

// StatusTopic is where the robot behind channel reports status.
func StatusTopic(channel string) string {
	return BaseTopic(channel) + statusSuffix
}

// AckTopic is where acknowledgments for channel are published.
func AckTopic(channel string) string {
	return BaseTopic(channel) + ackSuffix
}

// RobotIDFromTopic returns the last path segment of topic. A topic without a
// separator, or with an empty last segment, yields the whole string.
func RobotIDFromTopic(topic string) string {
	i := strings.LastIndex(topic, "/")
	if i < 0 || i == len(topic)-1 {
		return topic
	}
	return topic[i+1:]
}
