package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/client"
	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

type RequestResult struct {
	Name        string
	Method      string
	Endpoint    string
	Role        workflow.Role
	Latency     time.Duration
	Status      workflow.Status
	BlockHeight int64
}

// step is one submission of the end-to-end scenario
type step struct {
	name    string
	role    workflow.Role
	details interface{}
	want    workflow.Status
}

var lifecycle = []step{
	{"Processing", workflow.RoleProcessor, workflow.ProcessingDetails{Method: "shade drying", DurationHours: 72, YieldKg: 9.5}, workflow.StatusProcessed},
	{"Laboratory Testing", workflow.RoleLab, workflow.LabTestDetails{MoisturePercent: 8.2, Passed: true, CertificateID: "LAB-001"}, workflow.StatusTested},
	{"Regulatory Review", workflow.RoleRegulator, workflow.RegulatoryDetails{Decision: workflow.DecisionApproved, LicenseID: "AYUSH-42"}, workflow.StatusApproved},
}

func main() {
	nodes := flag.Int("nodes", 4, "Number of ledger nodes, recorded in the file name")
	mode := flag.String("mode", "ledger", "Ledger mode of the node under test, recorded in the file name")
	iterations := flag.Int("n", 1, "Number of iterations to run")
	baseURL := flag.String("url", "http://127.0.0.1:5000", "Portal node base URL")
	useIPv6 := flag.Bool("ipv6", false, "Use IPv6 localhost (::1) instead of IPv4")
	flag.Parse()

	if *useIPv6 {
		*baseURL = "http://[::1]:5000"
	}

	filename := fmt.Sprintf("benchmark_n_%d_%s_nodes_%d.csv", *iterations, *mode, *nodes)
	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating CSV file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Iteration", "Step", "Method", "Endpoint", "Role", "Latency_ms", "Status", "BlockHeight"}
	if err := writer.Write(header); err != nil {
		fmt.Printf("Error writing CSV header: %v\n", err)
		return
	}

	requestClient := client.NewHTTPClient(*baseURL, portal.Identity{UserID: "bench-farmer", Role: workflow.RoleFarmer})
	requestClient.Client.Timeout = 10 * time.Second

	for i := 0; i < *iterations; i++ {
		fmt.Printf("\n[Iteration %d/%d]\n", i+1, *iterations)
		results, err := runBenchmark(context.Background(), requestClient)
		if err != nil {
			fmt.Println(err)
		}

		for _, result := range results {
			record := []string{
				strconv.Itoa(i + 1),
				result.Name,
				result.Method,
				result.Endpoint,
				string(result.Role),
				strconv.FormatInt(result.Latency.Milliseconds(), 10),
				string(result.Status),
				strconv.FormatInt(result.BlockHeight, 10),
			}

			if err := writer.Write(record); err != nil {
				fmt.Printf("Error writing record to CSV: %v\n", err)
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("\nBenchmark complete. Results saved to %s\n", filename)
}

// runBenchmark walks one batch from collection to approval, then checks
// that the approved batch refuses further submissions.
func runBenchmark(ctx context.Context, farmer *client.HTTPClient) ([]RequestResult, error) {
	var results []RequestResult
	totalStart := time.Now()

	// 1. Collection
	start := time.Now()
	created, err := farmer.CreateBatch(ctx, client.Event{
		Performer: workflow.Performer{Name: "Bench Farmer"},
		Location:  workflow.Location{Latitude: 12.97, Longitude: 77.59},
		Details:   workflow.CollectionDetails{Species: "Withania somnifera", CommonName: "Ashwagandha", QuantityKg: 12},
	})
	elapsed := time.Since(start)
	if err != nil {
		return results, fmt.Errorf("collection: %w", err)
	}
	batchID := created.Batch.ID
	fmt.Printf("BatchID : %s [Delay: %v]\n", batchID, elapsed)
	results = append(results, RequestResult{
		Name:        "Collection",
		Method:      "POST",
		Endpoint:    "/batches",
		Role:        workflow.RoleFarmer,
		Latency:     elapsed,
		Status:      created.NextStatus,
		BlockHeight: created.Receipt.BlockHeight,
	})

	// 2-4. Processing, testing, review
	for _, s := range lifecycle {
		time.Sleep(100 * time.Millisecond)
		actor := farmer.As(portal.Identity{UserID: "bench-" + string(s.role), Role: s.role})
		start = time.Now()
		sub, err := actor.Submit(ctx, batchID, client.Event{Details: s.details})
		elapsed = time.Since(start)
		if err != nil {
			return results, fmt.Errorf("%s: %w", s.name, err)
		}
		if sub.NextStatus != s.want {
			return results, fmt.Errorf("%s: expected status %s, got %s", s.name, s.want, sub.NextStatus)
		}
		fmt.Printf("%s accepted, status %s, block height %d [Delay: %v]\n", s.name, sub.NextStatus, sub.Receipt.BlockHeight, elapsed)
		results = append(results, RequestResult{
			Name:        s.name,
			Method:      "POST",
			Endpoint:    "/batches/:id/events",
			Role:        s.role,
			Latency:     elapsed,
			Status:      sub.NextStatus,
			BlockHeight: sub.Receipt.BlockHeight,
		})
	}

	// 5. An approved batch is final
	time.Sleep(100 * time.Millisecond)
	lab := farmer.As(portal.Identity{UserID: "bench-lab-2", Role: workflow.RoleLab})
	start = time.Now()
	_, err = lab.Submit(ctx, batchID, client.Event{Details: workflow.LabTestDetails{Passed: true}})
	elapsed = time.Since(start)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != string(workflow.RejectNoTransition) {
		return results, fmt.Errorf("submission after approval was not refused: %v", err)
	}
	results = append(results, RequestResult{
		Name:     "Rejected Submission",
		Method:   "POST",
		Endpoint: "/batches/:id/events",
		Role:     workflow.RoleLab,
		Latency:  elapsed,
		Status:   apiErr.CurrentStatus,
	})

	// 6. Consumer trace
	consumer := farmer.As(portal.Identity{UserID: "bench-consumer", Role: workflow.RoleConsumer})
	start = time.Now()
	trace, err := consumer.Trace(ctx, batchID)
	elapsed = time.Since(start)
	if err != nil {
		return results, fmt.Errorf("trace: %w", err)
	}
	fmt.Printf("Trace has %d stages [Delay: %v]\n", len(trace.Stages), elapsed)
	results = append(results, RequestResult{
		Name:     "Consumer Trace",
		Method:   "GET",
		Endpoint: "/batches/:id/trace",
		Role:     workflow.RoleConsumer,
		Latency:  elapsed,
		Status:   trace.Status,
	})

	totalElapsed := time.Since(totalStart)
	fmt.Printf("\nTotal workflow execution time: %v\n", totalElapsed)

	results = append(results, RequestResult{
		Name:     "Complete Workflow",
		Method:   "WORKFLOW",
		Endpoint: "complete-workflow",
		Latency:  totalElapsed,
		Status:   trace.Status,
	})

	return results, nil
}
