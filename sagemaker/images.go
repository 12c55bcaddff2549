package sagemaker

import (
	"fmt"
)

// linearLearnerAccounts maps a region to the account hosting the built-in
// linear-learner training image there.
var linearLearnerAccounts = map[string]string{
	"us-east-1":      "382416733822",
	"us-east-2":      "404615174143",
	"us-west-1":      "632365934929",
	"us-west-2":      "174872318107",
	"ca-central-1":   "469771592824",
	"eu-west-1":      "438346466558",
	"eu-west-2":      "644912444149",
	"eu-central-1":   "664544806723",
	"ap-northeast-1": "351501993468",
	"ap-northeast-2": "835164637446",
	"ap-southeast-1": "475088953585",
	"ap-southeast-2": "712309505854",
	"ap-south-1":     "991648021394",
}

// linearLearnerImage resolves the training image URI for a region.
func linearLearnerImage(region string) (string, error) {
	account, ok := linearLearnerAccounts[region]
	if !ok {
		return "", fmt.Errorf("no linear-learner image registered for region %q", region)
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/linear-learner:1", account, region), nil
}
