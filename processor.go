/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package courier

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// tickerProcessor runs work on a fixed interval until stopped or its context ends.
// The scheduler, the acknowledgement poller and the batch monitor are built on it.
type tickerProcessor struct {
	name         string
	pollInterval time.Duration
	work         func(ctx context.Context)
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func newTickerProcessor(name string, interval time.Duration, work func(ctx context.Context)) *tickerProcessor {
	return &tickerProcessor{
		name:         name,
		pollInterval: interval,
		work:         work,
		stopCh:       make(chan struct{}),
	}
}

func (p *tickerProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Infof("%s started (interval=%v)", p.name, p.pollInterval)
}

// Stop signals the loop and waits for the in-flight iteration to return.
func (p *tickerProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Infof("%s stopped", p.name)
}

func (p *tickerProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *tickerProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Infof("%s context cancelled", p.name)
			return
		case <-p.stopCh:
			logrus.Infof("%s stop signal received", p.name)
			return
		case <-ticker.C:
			p.work(ctx)
		}
	}
}
