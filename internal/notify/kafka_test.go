package notify

import (
	"testing"
	"time"
)

func TestKafkaWriterDoesNotWaitForBatches(t *testing.T) {
	if _, err := NewKafkaPublisher(nil); err == nil {
		t.Error("publisher without brokers accepted")
	}

	p, err := NewKafkaPublisher([]string{"localhost:9092"})
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}
	defer p.Close()

	if p.writer.BatchTimeout > 10*time.Millisecond {
		t.Errorf("batch timeout = %s, want <= 10ms", p.writer.BatchTimeout)
	}
	if p.writer.BatchSize != 1 {
		t.Errorf("batch size = %d, want 1", p.writer.BatchSize)
	}
}
