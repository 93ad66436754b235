package traffic_test

import (
	"fmt"
	"time"

	"github.com/jittakal/kaftraffic/pkg/traffic"
)

func ExampleTopicPartition_String() {
	tp := traffic.TopicPartition{
		Topic:     "captured-traffic",
		Partition: 5,
	}

	fmt.Println(tp.String())
	// Output: captured-traffic-5
}

func ExampleCommitOffsetKey_String() {
	key := traffic.CommitOffsetKey{
		Generation:     3,
		TopicPartition: traffic.TopicPartition{Topic: "captured-traffic", Partition: 0},
		Offset:         42,
	}

	fmt.Println(key)
	// Output: captured-traffic-0@42#3
}

func ExampleRecord_FirstTimestamp() {
	ts := time.Date(2025, 12, 21, 10, 30, 0, 0, time.UTC)

	rec := traffic.Record{
		ConnectionID: "c-1",
		Observations: []traffic.Observation{
			{Timestamp: ts, Kind: traffic.KindRead, Data: []byte("GET / HTTP/1.1\r\n")},
		},
		Index: 1,
	}

	fmt.Println(rec.FirstTimestamp().Format("2006-01-02 15:04:05"))
	// Output: 2025-12-21 10:30:00
}
