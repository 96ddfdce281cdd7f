//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package scsi

import (
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy parameterises the retry loop wrapping every SCSI call.
type RetryPolicy struct {
	Count int
	Short time.Duration
	Long  time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	Count: 5,
	Short: 1 * time.Second,
	Long:  5 * time.Second,
}

// withRetry runs attempt under the policy. Transient failures (busy,
// eagain, unit attention) are retried with the class-appropriate delay;
// non-retriable errors break the loop immediately.
func withRetry(op string, policy RetryPolicy, attempt func() *Error) *Error {

	var last *Error

	for try := 0; try <= policy.Count; try++ {
		last = attempt()
		if last == nil {
			return nil
		}

		switch last.class {
		case classRetryShort:
			logrus.Debugf("%v failed (%v), retrying in %v", op, last.Kind,
				policy.Short)
			time.Sleep(policy.Short)

		case classRetryLong:
			logrus.Debugf("%v failed (%v), retrying in %v", op, last.Kind,
				policy.Long)
			time.Sleep(policy.Long)

		default:
			return last
		}

		last.Retried = true
	}

	return last
}
