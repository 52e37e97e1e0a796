package domain

// Bucket scope keys. Each scope is a separate token bucket in the shared store.
const GlobalBucketKey = "global"

func TenantBucketKey(tenantID string) string { return "tenant:" + tenantID }

func TenantHourBucketKey(tenantID string) string { return "tenant:" + tenantID + ":hour" }

func TenantDayBucketKey(tenantID string) string { return "tenant:" + tenantID + ":day" }

func SenderBucketKey(phone string) string { return "sender:" + phone }

func CampaignBucketKey(campaignID string) string { return "campaign:" + campaignID }
